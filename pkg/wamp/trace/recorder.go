package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

// FileRecorder дописывает события в файл. Безопасен для конкурентного
// использования; после Close события молча отбрасываются. Первая ошибка
// записи логируется и возвращается из Close.
type FileRecorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *cbor.Encoder
	logger   *slog.Logger
	writeErr error
	closed   bool
}

func NewFileRecorder(path string, logger *slog.Logger) (*FileRecorder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &FileRecorder{
		file:    f,
		encoder: NewEncoder(f),
		logger:  logger,
	}, nil
}

var (
	_ Recorder    = (*FileRecorder)(nil)
	_ wamp.Tracer = (*FileRecorder)(nil)
)

func (r *FileRecorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	// Трассировка не должна ломать соединение
	if err := r.encoder.Encode(ev); err != nil && r.writeErr == nil {
		r.writeErr = fmt.Errorf("trace write failed (%s): %w", r.file.Name(), err)
		r.logger.Error("trace write failed", "path", r.file.Name(), "error", err)
	}
}

func (r *FileRecorder) Trace(channelID string, dir wamp.Direction, frame wamp.Frame) {
	r.Record(NewEvent(channelID, dir, frame))
}

func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	return errors.Join(r.writeErr, r.file.Close())
}

// SlogRecorder пишет события в slog на уровне debug.
type SlogRecorder struct {
	logger *slog.Logger
}

func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogRecorder{logger: logger}
}

var (
	_ Recorder    = (*SlogRecorder)(nil)
	_ wamp.Tracer = (*SlogRecorder)(nil)
)

func (r *SlogRecorder) Record(ev Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", ev.ConnectionID),
		slog.String("direction", ev.Direction.String()),
		slog.String("kind", ev.Kind.String()),
		slog.Int("size", ev.Size),
	}

	if ev.MessageType != 0 {
		attrs = append(attrs, slog.String("msg_type", ev.MessageType.String()))
	}

	if ev.Truncated {
		attrs = append(attrs, slog.Bool("truncated", true))
	}

	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "frame", attrs...)
}

func (r *SlogRecorder) Trace(channelID string, dir wamp.Direction, frame wamp.Frame) {
	r.Record(NewEvent(channelID, dir, frame))
}

// Filter отбирает события. Пустые поля подходят под всё.
type Filter struct {
	ConnectionID string
	Direction    *wamp.Direction
	MessageType  wamp.MessageType
}

func (f *Filter) matches(ev Event) bool {
	if f.ConnectionID != "" && ev.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Direction != nil && ev.Direction != *f.Direction {
		return false
	}
	if f.MessageType != 0 && ev.MessageType != f.MessageType {
		return false
	}
	return true
}

// Reader читает поток событий из файла.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return &Reader{
		file:    f,
		decoder: NewDecoder(f),
		filter:  filter,
	}, nil
}

// Next возвращает следующее подходящее событие или io.EOF.
func (r *Reader) Next() (Event, error) {
	for {
		var ev Event
		if err := r.decoder.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		if r.filter.matches(ev) {
			return ev, nil
		}
	}
}

func (r *Reader) Close() error {
	return r.file.Close()
}
