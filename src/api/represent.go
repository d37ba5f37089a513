package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mtphotos/face-api/src/commons"
	"github.com/mtphotos/face-api/src/datastructures"
	"github.com/mtphotos/face-api/src/decoder"
	"github.com/mtphotos/face-api/src/predict"
	log "github.com/sirupsen/logrus"
)

// Outcome is the result of processing one upload. Either Faces holds the
// detected faces, or Empty is set and Reason optionally says why. A missing
// face is a normal outcome and carries no reason.
type Outcome struct {
	Faces  []datastructures.Representation
	Empty  bool
	Reason string
}

func classify(err error) Outcome {
	var decodeErr *decoder.DecodeError
	var dimErr *decoder.DimensionError

	switch {
	case errors.As(err, &decodeErr):
		return Outcome{Empty: true, Reason: decodeErr.Error()}
	case errors.As(err, &dimErr):
		return Outcome{Empty: true, Reason: dimErr.Error()}
	case predict.IsNoFace(err):
		return Outcome{Empty: true}
	default:
		return Outcome{Empty: true, Reason: err.Error()}
	}
}

func (s *Server) process(ctx context.Context, entry *log.Entry, data []byte, contentType string, filename string) Outcome {
	img, err := decoder.Decode(data, contentType, filename)
	if err != nil {
		entry.Info("[Represent] ", err.Error())
		return classify(err)
	}

	faces, err := s.representer.Represent(ctx, img)
	if err != nil {
		if !predict.IsNoFace(err) {
			entry.Error("[Represent] Inference failed: ", err.Error())
			commons.ReportError(err, map[string]string{
				"detector_backend":  s.cfg.DetectorBackend,
				"recognition_model": s.cfg.RecognitionModel,
			})
		}
		return classify(err)
	}
	if faces == nil {
		faces = []datastructures.Representation{}
	}
	return Outcome{Faces: faces}
}

// represent accepts one uploaded image. Every failure past authentication
// is reported inside a 200 response.
func (s *Server) represent(c *gin.Context) {
	entry := logger(c)

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "file is required"})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusOK, s.response(classify(err)))
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		c.JSON(http.StatusOK, s.response(classify(err)))
		return
	}

	// A client that goes away does not stop inference that already started.
	ctx := context.WithoutCancel(c.Request.Context())
	outcome := s.process(ctx, entry, data, header.Header.Get("Content-Type"), header.Filename)
	c.JSON(http.StatusOK, s.response(outcome))
}

func (s *Server) response(outcome Outcome) datastructures.RepresentResult {
	if outcome.Empty {
		return datastructures.RepresentResult{
			Result: []datastructures.Representation{},
			Msg:    outcome.Reason,
		}
	}
	return datastructures.RepresentResult{
		DetectorBackend:  s.cfg.DetectorBackend,
		RecognitionModel: s.cfg.RecognitionModel,
		Result:           outcome.Faces,
	}
}
