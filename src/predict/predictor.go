package predict

import (
	"errors"
	"strings"

	"github.com/mtphotos/face-api/src/datastructures"
	"github.com/mtphotos/face-api/src/decoder"
)

// Predictor runs face detection and embedding on a decoded image. It is
// always used with enforced detection: an image without faces is reported
// as an error that IsNoFace recognizes, never as an empty result.
//
// A Predictor is owned by exactly one worker, so implementations do not need
// to be safe for concurrent use unless the factory hands the same instance
// to several workers.
type Predictor interface {
	Represent(img *decoder.Image) ([]datastructures.Representation, error)
	Close()
}

// Killer is implemented by predictors that own an external process. Kill
// must be safe to call while Represent is running on another goroutine.
type Killer interface {
	Kill()
}

// Factory creates the predictor for the worker with the given id.
type Factory func(id int) (Predictor, error)

// noFaceMarker is part of every message the model produces when enforced
// detection finds no face.
const noFaceMarker = "set enforce_detection"

var ErrPredictorKilled = errors.New("predictor was killed")

var ErrNoFaceDetected = errors.New("Face could not be detected. Please confirm that the picture is a face photo or consider to set enforce_detection param to False.")

// WorkerError is a failure reported by the model process itself, as opposed
// to a failure talking to it.
type WorkerError struct {
	Msg string
}

func (e *WorkerError) Error() string {
	return e.Msg
}

func IsNoFace(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoFaceDetected) {
		return true
	}
	return strings.Contains(err.Error(), noFaceMarker)
}
