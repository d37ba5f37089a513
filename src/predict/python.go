package predict

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/mtphotos/face-api/src/datastructures"
	"github.com/mtphotos/face-api/src/decoder"
	log "github.com/sirupsen/logrus"
)

const maxStderrTail = 64 * 1024

// PythonOptions describes how to launch the model worker script.
type PythonOptions struct {
	Python           string
	Script           string
	DetectorBackend  string
	RecognitionModel string
	CascadePath      string
}

// PythonPredictor talks to one long-lived python process running the model.
//
// Protocol, all integers big endian uint32:
//
//	request  (stdin): [len][width][height][BGR pixels]
//	response (fd 3):  [len][json list of faces | {"error": "..."}]
//
// Replies travel over a dedicated pipe so that whatever the model libraries
// print on stdout cannot corrupt the stream. If the process dies it is
// started again on the next call.
//
// The process handles are guarded by mu so that Kill can run while the owning
// worker is blocked in the middle of a call.
type PythonPredictor struct {
	ID       int
	opts     PythonOptions
	Cmd      *exec.Cmd
	Stderr   *tailBuffer
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu     sync.Mutex
	exited chan struct{}
	killed bool
}

func NewPythonPredictor(id int, opts PythonOptions) (*PythonPredictor, error) {
	p := &PythonPredictor{ID: id, opts: opts}
	if err := p.start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PythonPredictor) start() error {
	cmd := exec.Command(p.opts.Python, "-u", p.opts.Script,
		"--detector-backend", p.opts.DetectorBackend,
		"--recognition-model", p.opts.RecognitionModel,
		"--cascade-path", p.opts.CascadePath,
	)
	stderr := &tailBuffer{limit: maxStderrTail}
	cmd.Stderr = stderr

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	// The child sees the write end as fd 3.
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return fmt.Errorf("python worker %d failed to start: %w", p.ID, err)
	}
	w.Close()

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	log.Debug("[Worker] Python worker ", p.ID, " started with pid ", cmd.Process.Pid)
	p.Cmd = cmd
	p.exited = exited
	p.Stderr = stderr
	p.Stdin = stdin
	p.DataPipe = r
	return nil
}

func (p *PythonPredictor) Represent(img *decoder.Image) ([]datastructures.Representation, error) {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return nil, ErrPredictorKilled
	}
	if p.Stdin == nil {
		log.Info("[Worker] Restarting python worker ", p.ID)
		if err := p.start(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	stdin, dataPipe := p.Stdin, p.DataPipe
	p.mu.Unlock()

	resp, err := communicate(stdin, dataPipe, img)
	if err != nil {
		p.mu.Lock()
		var exited chan struct{}
		// Kill may have detached the pipes already.
		if p.Stdin == stdin {
			p.signalKill()
			exited = p.detach()
		}
		p.mu.Unlock()
		wait(exited)
		if tail := p.stderrTail(); tail != "" {
			log.Error("[Worker] Python worker ", p.ID, " crashed, logs:\n", tail)
		}
		return nil, fmt.Errorf("python worker %d: %w", p.ID, err)
	}

	var faces []datastructures.Representation
	if err := json.Unmarshal(resp, &faces); err != nil {
		var errorResult datastructures.ErrorResult
		if json.Unmarshal(resp, &errorResult) == nil && errorResult.Error != "" {
			return nil, &WorkerError{Msg: errorResult.Error}
		}
		return nil, fmt.Errorf("python worker %d sent malformed reply: %w", p.ID, err)
	}
	return faces, nil
}

func communicate(stdin io.Writer, dataPipe io.Reader, img *decoder.Image) ([]byte, error) {
	header := [3]uint32{uint32(8 + len(img.Pix)), uint32(img.Width), uint32(img.Height)}
	if err := binary.Write(stdin, binary.BigEndian, header); err != nil {
		return nil, err
	}
	if _, err := stdin.Write(img.Pix); err != nil {
		return nil, err
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(dataPipe, lenBuf); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf))
	if _, err := io.ReadFull(dataPipe, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Close stops the child process. Represent starts a new one when needed.
func (p *PythonPredictor) Close() {
	p.mu.Lock()
	exited := p.detach()
	p.mu.Unlock()
	wait(exited)
}

// Kill terminates the child immediately and waits until it has been reaped,
// even when a call is in progress. The predictor stays unusable afterwards.
func (p *PythonPredictor) Kill() {
	p.mu.Lock()
	p.killed = true
	p.signalKill()
	exited := p.detach()
	p.mu.Unlock()
	wait(exited)
}

// Callers hold mu.
func (p *PythonPredictor) signalKill() {
	if p.Cmd != nil && p.Cmd.Process != nil {
		p.Cmd.Process.Kill()
	}
}

// detach closes the pipes so the next call starts a new child. It returns
// the channel that is closed once the current child has been reaped; Cmd is
// kept until then so that Kill can still reach it. Callers hold mu.
func (p *PythonPredictor) detach() chan struct{} {
	if p.Stdin != nil {
		p.Stdin.Close()
	}
	if p.DataPipe != nil {
		p.DataPipe.Close()
	}
	p.Stdin = nil
	p.DataPipe = nil
	return p.exited
}

func wait(exited chan struct{}) {
	if exited != nil {
		<-exited
	}
}

func (p *PythonPredictor) stderrTail() string {
	if p.Stderr == nil {
		return ""
	}
	return p.Stderr.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, data...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(data), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
