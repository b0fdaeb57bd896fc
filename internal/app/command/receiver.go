package command

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/domain"
)

// Artifact is a streamed file that finished arriving (or failed to).
type Artifact struct {
	From  domain.Identity
	Topic string
	Path  string
	Size  int64
	Err   error
}

type transfer struct {
	file *os.File
	next int
	size int64
}

// Receiver reassembles chunk streams into files under Dir.
type Receiver struct {
	dir     string
	onDone  func(Artifact)
	mu      sync.Mutex
	streams map[string]*transfer
}

func NewReceiver(dir string, onDone func(Artifact)) *Receiver {
	return &Receiver{dir: dir, onDone: onDone, streams: make(map[string]*transfer)}
}

// Accept consumes one chunk. Chunks of a stream must arrive in order.
func (r *Receiver) Accept(env Envelope) {
	key := string(env.From) + "/" + env.ID
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.streams[key]
	if !ok {
		if env.Seq != 0 {
			r.finish(env, nil, fmt.Errorf("stream %s started at seq %d", env.ID, env.Seq))
			return
		}
		if env.Error != "" {
			r.finish(env, nil, errors.New(env.Error))
			return
		}
		f, err := os.CreateTemp(r.dir, sanitize(env.Topic)+"-*")
		if err != nil {
			r.finish(env, nil, err)
			return
		}
		t = &transfer{file: f}
		r.streams[key] = t
	}

	if env.Error != "" {
		delete(r.streams, key)
		r.finish(env, t, errors.New(env.Error))
		return
	}
	if env.Seq != t.next {
		delete(r.streams, key)
		r.finish(env, t, fmt.Errorf("chunk seq %d, want %d", env.Seq, t.next))
		return
	}
	n, err := t.file.Write(env.Data)
	t.size += int64(n)
	t.next++
	if err != nil {
		delete(r.streams, key)
		r.finish(env, t, err)
		return
	}
	if env.Final {
		delete(r.streams, key)
		r.finish(env, t, nil)
	}
}

func (r *Receiver) finish(env Envelope, t *transfer, err error) {
	a := Artifact{From: env.From, Topic: env.Topic, Err: err}
	if t != nil {
		a.Path = t.file.Name()
		a.Size = t.size
		_ = t.file.Close()
		if err != nil {
			_ = os.Remove(a.Path)
			a.Path = ""
		}
	}
	logger := log.With().Str("module", "command").Str("from", string(env.From)).Str("topic", env.Topic).Logger()
	if err != nil {
		logger.Warn().Err(err).Msg("artifact stream failed")
	} else {
		logger.Info().Str("path", a.Path).Int64("size", a.Size).Msg("artifact received")
	}
	if r.onDone != nil {
		r.onDone(a)
	}
}

func sanitize(topic string) string {
	if topic == "" {
		return "artifact"
	}
	return filepath.Base(filepath.Clean("/" + topic))
}
