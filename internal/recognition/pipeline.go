package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/faceattend/internal/frame"
	"github.com/example/faceattend/internal/logging"
)

// DefaultTimeout bounds the engine and classifier calls of one frame.
const DefaultTimeout = 10 * time.Second

// Config wires the collaborators of a Pipeline.
type Config struct {
	Detector   Detector
	Encoder    Encoder
	Classifier Classifier
	Directory  Directory
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Pipeline runs decode, detect, encode, classify and match for one frame.
type Pipeline struct {
	detector   Detector
	encoder    Encoder
	classifier Classifier
	directory  Directory
	timeout    time.Duration
	logger     *slog.Logger
}

// NewPipeline validates cfg and returns a ready pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Detector == nil:
		return nil, errors.New("recognition: detector is required")
	case cfg.Encoder == nil:
		return nil, errors.New("recognition: encoder is required")
	case cfg.Classifier == nil:
		return nil, errors.New("recognition: classifier is required")
	case cfg.Directory == nil:
		return nil, errors.New("recognition: directory is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		detector:   cfg.Detector,
		encoder:    cfg.Encoder,
		classifier: cfg.Classifier,
		directory:  cfg.Directory,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}, nil
}

// Process recognises every face in the data URL frame. Results follow the
// detector order. A frame without faces yields an empty, non-nil slice.
// Failures are ErrDecode or ErrEngine.
func (p *Pipeline) Process(ctx context.Context, attendees AttendeeSet, dataURL string) ([]Result, error) {
	f, err := frame.DecodeDataURL(dataURL)
	if err != nil {
		return nil, err
	}
	return p.processFrame(ctx, attendees, f)
}

func (p *Pipeline) processFrame(ctx context.Context, attendees AttendeeSet, f *frame.Frame) ([]Result, error) {
	logger := logging.Component(ctx, p.logger, "pipeline", "process")

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	boxes, err := within(ctx, func(ctx context.Context) ([]BoundingBox, error) {
		return p.detector.Detect(ctx, f)
	})
	if err != nil {
		return nil, engineError("detect", err)
	}
	detected := len(boxes)
	boxes = trimBoxes(boxes, f.Width(), f.Height())
	if skipped := detected - len(boxes); skipped > 0 {
		logger.DebugContext(ctx, "skipped detections outside the frame", "skipped", skipped)
	}
	if len(boxes) == 0 {
		logger.DebugContext(ctx, "no face detected in frame")
		return []Result{}, nil
	}

	descriptors, err := within(ctx, func(ctx context.Context) ([]Descriptor, error) {
		return p.encoder.Encode(ctx, f, boxes)
	})
	if err != nil {
		return nil, engineError("encode", err)
	}
	if len(descriptors) != len(boxes) {
		return nil, fmt.Errorf("%w: encoder returned %d descriptors for %d faces", ErrEngine, len(descriptors), len(boxes))
	}

	probabilities, err := within(ctx, func(ctx context.Context) ([][]float64, error) {
		return p.classifier.PredictProba(ctx, descriptors)
	})
	if err != nil {
		return nil, engineError("classify", err)
	}
	if len(probabilities) != len(descriptors) {
		return nil, fmt.Errorf("%w: classifier returned %d rows for %d faces", ErrEngine, len(probabilities), len(descriptors))
	}

	labels := p.classifier.Labels()
	results := make([]Result, 0, len(boxes))
	for i, row := range probabilities {
		best, score, err := argmax(row, len(labels))
		if err != nil {
			return nil, err
		}
		label := labels[best]

		if label == UnknownLabel {
			results = append(results, Result{Box: boxes[i], Label: label, Score: score})
			continue
		}

		employee, ok := p.directory.Lookup(label)
		if !ok {
			logger.WarnContext(ctx, "classifier label not in employee directory", "employee_no", label, "score", score)
			continue
		}
		results = append(results, Result{
			Box:        boxes[i],
			Employee:   &employee,
			Label:      label,
			Score:      score,
			IsAttendee: attendees != nil && attendees.IsAttendee(employee.ID),
		})
	}
	return results, nil
}

// within runs fn but stops waiting once ctx ends, so a collaborator that
// ignores its context cannot hold the caller past the deadline.
func within[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- outcome{zero, fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func engineError(stage string, err error) error {
	if errors.Is(err, ErrEngine) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %v", ErrEngine, stage, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrEngine, stage, err)
}

// argmax picks the first index holding the highest probability.
func argmax(row []float64, labels int) (int, float64, error) {
	if len(row) == 0 || len(row) != labels {
		return 0, 0, fmt.Errorf("%w: probability row has %d entries for %d labels", ErrEngine, len(row), labels)
	}
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best, row[best], nil
}

// trimBoxes clips boxes to the frame and drops those left without area.
func trimBoxes(boxes []BoundingBox, width, height int) []BoundingBox {
	out := make([]BoundingBox, 0, len(boxes))
	for _, b := range boxes {
		if width > 0 && height > 0 {
			b = b.Trim(width, height)
		}
		if b.Empty() {
			continue
		}
		out = append(out, b)
	}
	return out
}
