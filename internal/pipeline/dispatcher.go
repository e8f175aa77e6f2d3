package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"path"
	"strconv"

	"github.com/pixload/darkroom/internal/domain"
)

// Uploader writes an object and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Delivery is the reconciled outcome of the requested output modes. Body is
// populated for binary returns; ObjectURL/ObjectKey for uploads. UploadErr
// records a hybrid upload failure that did not sink the request.
type Delivery struct {
	Body        []byte
	ContentType string
	Format      string
	ObjectKey   string
	ObjectURL   string
	UploadErr   error
}

type Dispatcher struct {
	uploader Uploader
	logger   *log.Logger
}

func NewDispatcher(uploader Uploader, logger *log.Logger) *Dispatcher {
	return &Dispatcher{uploader: uploader, logger: logger}
}

// Dispatch applies the output mode to the encoded bytes. An upload failure
// fails the request only when upload was the sole requested output; in
// hybrid mode the binary still ships and the failure is carried in
// Delivery.UploadErr for the caller to flag.
func (d *Dispatcher) Dispatch(ctx context.Context, desc domain.JobDescriptor, result Result) (Delivery, error) {
	contentType := domain.ContentType(result.Format)
	delivery := Delivery{ContentType: contentType, Format: result.Format}

	if desc.Output.UploadToStorage {
		key := desc.KeyName
		if key == "" {
			key = contentKey(result.Source, result.Data, desc.Size, result.Format)
		}
		if desc.KeyPrefix != "" {
			key = path.Join(desc.KeyPrefix, key)
		}

		if d.uploader == nil {
			delivery.UploadErr = fmt.Errorf("%w: no storage backend configured", domain.ErrUploadFailed)
		} else {
			url, err := d.uploader.Upload(ctx, key, result.Data, contentType)
			if err != nil {
				delivery.UploadErr = fmt.Errorf("%w: %v", domain.ErrUploadFailed, err)
			} else {
				delivery.ObjectKey = key
				delivery.ObjectURL = url
			}
		}

		if delivery.UploadErr != nil {
			d.logger.Printf("upload failed key=%s err=%v", key, delivery.UploadErr)
			if !desc.Output.ReturnBinary {
				return Delivery{}, delivery.UploadErr
			}
		}
	}

	if desc.Output.ReturnBinary {
		delivery.Body = result.Data
	}

	return delivery, nil
}

// contentKey derives a collision-resistant object name from both the input
// and output bytes, so re-running the same conversion lands on the same key
// while any parameter change produces a new one.
func contentKey(source, output []byte, size int, format string) string {
	in := sha256.Sum256(source)
	out := sha256.Sum256(output)

	sizeTag := "orig"
	if size > 0 {
		sizeTag = strconv.Itoa(size)
	}

	return fmt.Sprintf("%s_%s_%s.%s",
		hex.EncodeToString(in[:])[:32],
		sizeTag,
		hex.EncodeToString(out[:])[:8],
		format,
	)
}
