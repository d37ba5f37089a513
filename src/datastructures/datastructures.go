package datastructures

type FacialArea struct {
	X        int   `json:"x"`
	Y        int   `json:"y"`
	W        int   `json:"w"`
	H        int   `json:"h"`
	LeftEye  []int `json:"left_eye"`
	RightEye []int `json:"right_eye"`
}

// Representation is one detected face as returned by the model.
type Representation struct {
	Embedding      []float64  `json:"embedding"`
	FacialArea     FacialArea `json:"facial_area"`
	FaceConfidence float64    `json:"face_confidence"`
}

type ServiceInfo struct {
	Title            string `json:"title"`
	Link             string `json:"link"`
	DetectorBackend  string `json:"detector_backend"`
	RecognitionModel string `json:"recognition_model"`
}

type CheckResult struct {
	Result           string `json:"result"`
	DetectorBackend  string `json:"detector_backend"`
	RecognitionModel string `json:"recognition_model"`
}

type RepresentResult struct {
	DetectorBackend  string           `json:"detector_backend,omitempty"`
	RecognitionModel string           `json:"recognition_model,omitempty"`
	Result           []Representation `json:"result"`
	Msg              string           `json:"msg,omitempty"`
}

// RepresentRequest is pushed onto the redis queue for an out-of-process model worker.
type RepresentRequest struct {
	Uuid             string `json:"uuid"`
	Created          int64  `json:"created"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Pixels           []byte `json:"pixels"`
	DetectorBackend  string `json:"detector_backend"`
	RecognitionModel string `json:"recognition_model"`
	EnforceDetection bool   `json:"enforce_detection"`
	Align            bool   `json:"align"`
}

type RepresentReply struct {
	Uuid   string           `json:"uuid"`
	Result []Representation `json:"result"`
	Error  string           `json:"error"`
}

// ErrorResult is what a model worker sends back instead of a result list on failure.
type ErrorResult struct {
	Error string `json:"error"`
}
