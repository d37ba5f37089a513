package predict

// DetectorBackends lists the face detectors the model worker understands.
var DetectorBackends = []string{
	"opencv",
	"ssd",
	"dlib",
	"mtcnn",
	"retinaface",
	"mediapipe",
	"yolov8",
	"yunet",
	"fastmtcnn",
}

// EmbeddingSizes maps each recognition model to the length of the vectors it produces.
var EmbeddingSizes = map[string]int{
	"VGG-Face":     4096,
	"Facenet":      128,
	"Facenet512":   512,
	"OpenFace":     128,
	"DeepFace":     4096,
	"DeepID":       160,
	"ArcFace":      512,
	"Dlib":         128,
	"SFace":        128,
	"GhostFaceNet": 512,
}

func IsDetectorBackend(name string) bool {
	for _, b := range DetectorBackends {
		if b == name {
			return true
		}
	}
	return false
}

func IsRecognitionModel(name string) bool {
	_, ok := EmbeddingSizes[name]
	return ok
}
