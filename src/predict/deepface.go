package predict

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	"github.com/mtphotos/face-api/src/datastructures"
	"github.com/mtphotos/face-api/src/decoder"
)

type deepFaceRequest struct {
	Img              string `json:"img"`
	ModelName        string `json:"model_name"`
	DetectorBackend  string `json:"detector_backend"`
	EnforceDetection bool   `json:"enforce_detection"`
	Align            bool   `json:"align"`
}

type deepFaceResponse struct {
	Results []datastructures.Representation `json:"results"`
}

// DeepFacePredictor calls the /represent endpoint of a DeepFace REST server.
type DeepFacePredictor struct {
	client           *resty.Client
	detectorBackend  string
	recognitionModel string
}

func NewDeepFacePredictor(baseURL string, detectorBackend string, recognitionModel string) *DeepFacePredictor {
	return &DeepFacePredictor{
		client:           resty.New().SetBaseURL(baseURL),
		detectorBackend:  detectorBackend,
		recognitionModel: recognitionModel,
	}
}

func (p *DeepFacePredictor) Represent(img *decoder.Image) ([]datastructures.Representation, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img.ToImage(), imaging.PNG); err != nil {
		return nil, fmt.Errorf("couldn't encode image: %w", err)
	}

	var result deepFaceResponse
	var failure datastructures.ErrorResult
	resp, err := p.client.R().
		SetBody(deepFaceRequest{
			Img:              "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
			ModelName:        p.recognitionModel,
			DetectorBackend:  p.detectorBackend,
			EnforceDetection: true,
			Align:            true,
		}).
		SetResult(&result).
		SetError(&failure).
		Post("/represent")
	if err != nil {
		return nil, fmt.Errorf("deepface request failed: %w", err)
	}
	if resp.IsError() {
		if failure.Error != "" {
			return nil, &WorkerError{Msg: failure.Error}
		}
		return nil, fmt.Errorf("deepface returned status %d", resp.StatusCode())
	}
	return result.Results, nil
}

func (p *DeepFacePredictor) Close() {}
