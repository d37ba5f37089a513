package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/mtphotos/face-api/src/commons"
	"github.com/mtphotos/face-api/src/datastructures"
	"github.com/mtphotos/face-api/src/decoder"
	"github.com/mtphotos/face-api/src/predict"
)

const apiKey = "mt_photos_ai_extra"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRepresenter struct {
	calls int32
	faces []datastructures.Representation
	err   error
}

func (f *fakeRepresenter) Represent(ctx context.Context, img *decoder.Image) ([]datastructures.Representation, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.faces, f.err
}

type fakeWatchdog struct {
	resets   int32
	restarts int32
}

func (w *fakeWatchdog) Reset()      { atomic.AddInt32(&w.resets, 1) }
func (w *fakeWatchdog) RestartNow() { atomic.AddInt32(&w.restarts, 1) }

func testConfig() *commons.Config {
	return &commons.Config{
		ApiKey:           apiKey,
		Port:             8066,
		DetectorBackend:  "retinaface",
		RecognitionModel: "Facenet512",
		IdleTimeout:      300 * time.Second,
	}
}

func newTestServer(t *testing.T, representer Representer) (*httptest.Server, *fakeWatchdog) {
	wd := &fakeWatchdog{}
	ts := httptest.NewServer(NewServer(testConfig(), representer, wd).Router())
	t.Cleanup(ts.Close)
	return ts, wd
}

func encodePNG(t *testing.T, w int, h int, c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	ok(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testPostRepresent(t *testing.T, url string, key string, filename string, contentType string, data []byte) (*resty.Response, datastructures.RepresentResult) {
	var res datastructures.RepresentResult

	client := resty.New()
	resp, err := client.R().
		SetHeader("api-key", key).
		SetMultipartField("file", filename, contentType, bytes.NewReader(data)).
		SetResult(&res).
		Post(url + "/represent")
	ok(t, err)

	return resp, res
}

func face(embedding ...float64) datastructures.Representation {
	return datastructures.Representation{
		Embedding:      embedding,
		FacialArea:     datastructures.FacialArea{X: 10, Y: 20, W: 30, H: 40, LeftEye: []int{18, 30}, RightEye: []int{32, 30}},
		FaceConfidence: 0.99,
	}
}

func TestInfo(t *testing.T) {
	ts, wd := newTestServer(t, &fakeRepresenter{})

	var info datastructures.ServiceInfo
	resp, err := resty.New().R().SetResult(&info).Get(ts.URL + "/")
	ok(t, err)
	equals(t, 200, resp.StatusCode())
	equals(t, Title, info.Title)
	equals(t, Link, info.Link)
	equals(t, "retinaface", info.DetectorBackend)
	equals(t, "Facenet512", info.RecognitionModel)
	equals(t, int32(1), atomic.LoadInt32(&wd.resets))
}

func TestCheck(t *testing.T) {
	ts, _ := newTestServer(t, &fakeRepresenter{})

	var res datastructures.CheckResult
	resp, err := resty.New().R().SetHeader("api-key", apiKey).SetResult(&res).Post(ts.URL + "/check")
	ok(t, err)
	equals(t, 200, resp.StatusCode())
	equals(t, "pass", res.Result)
	equals(t, "Facenet512", res.RecognitionModel)
	equals(t, true, resp.Header().Get("X-Request-Id") != "")
}

func TestInvalidApiKeyIsRejected(t *testing.T) {
	ts, wd := newTestServer(t, &fakeRepresenter{})

	for _, key := range []string{"", "wrong"} {
		resp, err := resty.New().R().SetHeader("api-key", key).Post(ts.URL + "/check")
		ok(t, err)
		equals(t, 401, resp.StatusCode())
		equals(t, `{"detail":"Invalid API key"}`, string(resp.Body()))
	}

	// failed authentication still counts as activity
	equals(t, int32(2), atomic.LoadInt32(&wd.resets))
}

func TestRepresentRequiresApiKey(t *testing.T) {
	representer := &fakeRepresenter{faces: []datastructures.Representation{face(1, 2)}}
	ts, _ := newTestServer(t, representer)

	resp, _ := testPostRepresent(t, ts.URL, "wrong", "face.png", "image/png", encodePNG(t, 8, 8, color.White))
	equals(t, 401, resp.StatusCode())
	equals(t, int32(0), atomic.LoadInt32(&representer.calls))
}

func TestRepresent(t *testing.T) {
	representer := &fakeRepresenter{faces: []datastructures.Representation{face(0.1, 0.2), face(0.3, 0.4)}}
	ts, _ := newTestServer(t, representer)

	resp, res := testPostRepresent(t, ts.URL, apiKey, "face.png", "image/png", encodePNG(t, 8, 8, color.White))
	equals(t, 200, resp.StatusCode())
	equals(t, "retinaface", res.DetectorBackend)
	equals(t, "Facenet512", res.RecognitionModel)
	equals(t, representer.faces, res.Result)
	equals(t, "", res.Msg)
	equals(t, int32(1), atomic.LoadInt32(&representer.calls))
}

func TestRepresentMissingFile(t *testing.T) {
	ts, _ := newTestServer(t, &fakeRepresenter{})

	resp, err := resty.New().R().
		SetHeader("api-key", apiKey).
		SetFormData(map[string]string{"other": "value"}).
		Post(ts.URL + "/represent")
	ok(t, err)
	equals(t, 422, resp.StatusCode())
}

func TestRepresentCorruptUpload(t *testing.T) {
	representer := &fakeRepresenter{}
	ts, _ := newTestServer(t, representer)

	resp, res := testPostRepresent(t, ts.URL, apiKey, "notes.txt", "text/plain", []byte("definitely not an image"))
	equals(t, 200, resp.StatusCode())
	equals(t, []datastructures.Representation{}, res.Result)
	equals(t, "The uploaded file notes.txt is not a valid image format or is corrupted.", res.Msg)
	equals(t, int32(0), atomic.LoadInt32(&representer.calls))
}

func TestRepresentOversizedImage(t *testing.T) {
	representer := &fakeRepresenter{}
	ts, _ := newTestServer(t, representer)

	data := encodePNG(t, decoder.MaxDimension+1, 1, color.Black)
	resp, res := testPostRepresent(t, ts.URL, apiKey, "wide.png", "image/png", data)
	equals(t, 200, resp.StatusCode())
	equals(t, []datastructures.Representation{}, res.Result)
	equals(t, "height or width out of range", res.Msg)
	equals(t, int32(0), atomic.LoadInt32(&representer.calls))
}

func TestRepresentNoFace(t *testing.T) {
	representer := &fakeRepresenter{err: &predict.WorkerError{
		Msg: "Face could not be detected. Please confirm that the picture is a face photo or consider to set enforce_detection param to False.",
	}}
	ts, _ := newTestServer(t, representer)

	resp, res := testPostRepresent(t, ts.URL, apiKey, "landscape.png", "image/png", encodePNG(t, 8, 8, color.White))
	equals(t, 200, resp.StatusCode())
	equals(t, []datastructures.Representation{}, res.Result)
	equals(t, `{"result":[]}`, string(resp.Body()))
}

func TestRepresentBackendError(t *testing.T) {
	representer := &fakeRepresenter{err: errors.New("CUDA out of memory")}
	ts, _ := newTestServer(t, representer)

	resp, res := testPostRepresent(t, ts.URL, apiKey, "face.png", "image/png", encodePNG(t, 8, 8, color.White))
	equals(t, 200, resp.StatusCode())
	equals(t, []datastructures.Representation{}, res.Result)
	equals(t, "CUDA out of memory", res.Msg)
}

func TestRestart(t *testing.T) {
	ts, wd := newTestServer(t, &fakeRepresenter{})

	resp, err := resty.New().R().SetHeader("api-key", apiKey).Post(ts.URL + "/restart")
	ok(t, err)
	equals(t, 200, resp.StatusCode())
	equals(t, int32(1), atomic.LoadInt32(&wd.restarts))

	resp, err = resty.New().R().Post(ts.URL + "/restart")
	ok(t, err)
	equals(t, 401, resp.StatusCode())
	equals(t, int32(1), atomic.LoadInt32(&wd.restarts))
}

func TestUnknownRoute(t *testing.T) {
	ts, wd := newTestServer(t, &fakeRepresenter{})

	resp, err := resty.New().R().Get(ts.URL + "/v1/unknown")
	ok(t, err)
	equals(t, 404, resp.StatusCode())
	equals(t, `{"detail":"Not Found"}`, string(resp.Body()))
	equals(t, int32(1), atomic.LoadInt32(&wd.resets))
}

// colorPredictor reports the first pixel of every image as its embedding.
type colorPredictor struct{}

func (colorPredictor) Represent(img *decoder.Image) ([]datastructures.Representation, error) {
	time.Sleep(time.Millisecond)
	return []datastructures.Representation{
		{Embedding: []float64{float64(img.Pix[0]), float64(img.Pix[1]), float64(img.Pix[2])}},
	}, nil
}

func (colorPredictor) Close() {}

func TestConcurrentRequestsArePairedWithTheirResults(t *testing.T) {
	dispatcher := predict.NewDispatcher(4, func(id int) (predict.Predictor, error) {
		return colorPredictor{}, nil
	}, 3)
	ok(t, dispatcher.Run())
	defer dispatcher.Stop()

	ts, _ := newTestServer(t, dispatcher)

	const requests = 24
	var wg sync.WaitGroup
	failures := make(chan string, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			data := encodePNG(t, 4, 4, color.NRGBA{R: uint8(i), G: 7, B: 200, A: 255})
			_, res := testPostRepresent(t, ts.URL, apiKey, fmt.Sprintf("face-%d.png", i), "image/png", data)
			if len(res.Result) != 1 {
				failures <- fmt.Sprintf("request %d: got %d faces (%s)", i, len(res.Result), res.Msg)
				return
			}
			// pixels arrive in BGR order
			expected := []float64{200, 7, float64(i)}
			if fmt.Sprint(expected) != fmt.Sprint(res.Result[0].Embedding) {
				failures <- fmt.Sprintf("request %d: got embedding %v", i, res.Result[0].Embedding)
			}
		}(i)
	}
	wg.Wait()
	close(failures)

	var msgs []string
	for msg := range failures {
		msgs = append(msgs, msg)
	}
	equals(t, "", strings.Join(msgs, "\n"))
}

func TestClassify(t *testing.T) {
	equals(t, Outcome{Empty: true}, classify(predict.ErrNoFaceDetected))
	equals(t, Outcome{Empty: true, Reason: "height or width out of range"}, classify(&decoder.DimensionError{Width: 1, Height: 20000}))
	equals(t, Outcome{Empty: true, Reason: "worker crashed"}, classify(fmt.Errorf("worker crashed")))

	decodeErr := &decoder.DecodeError{Filename: "a.bin", ContentType: "application/octet-stream", Err: errors.New("unknown format")}
	equals(t, Outcome{Empty: true, Reason: decodeErr.Error()}, classify(fmt.Errorf("wrapped: %w", decodeErr)))
}

type panickingRepresenter struct{}

func (panickingRepresenter) Represent(ctx context.Context, img *decoder.Image) ([]datastructures.Representation, error) {
	panic("model exploded")
}

func TestRouterRecoversFromPanics(t *testing.T) {
	ts, _ := newTestServer(t, panickingRepresenter{})

	resp, _ := testPostRepresent(t, ts.URL, apiKey, "face.png", "image/png", encodePNG(t, 8, 8, color.White))
	equals(t, http.StatusInternalServerError, resp.StatusCode())

	// the server keeps serving afterwards
	resp, err := resty.New().R().Get(ts.URL + "/")
	ok(t, err)
	equals(t, 200, resp.StatusCode())
}
