package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pixload/darkroom/internal/domain"
)

const TypeConvertImage = "image:convert"

type ConvertPayload struct {
	JobID       string               `json:"job_id"`
	Params      domain.ConvertParams `json:"params"`
	WebhookURL  string               `json:"webhook_url,omitempty"`
	RequestedAt time.Time            `json:"requested_at"`
}

func NewConvertTask(payload ConvertPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal convert payload: %w", err)
	}
	return asynq.NewTask(TypeConvertImage, body), nil
}

func ParseConvertPayload(task *asynq.Task) (ConvertPayload, error) {
	var payload ConvertPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ConvertPayload{}, fmt.Errorf("unmarshal convert payload: %w", err)
	}
	return payload, nil
}
