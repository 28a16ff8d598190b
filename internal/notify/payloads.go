package notify

import "time"

// DisplayFrame is the payload on TopicDisplay. Data is a copy of the
// composited BGR buffer; subscribers may retain it freely.
type DisplayFrame struct {
	Seq       uint64    `json:"seq" msgpack:"seq"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Width     int       `json:"width" msgpack:"width"`
	Height    int       `json:"height" msgpack:"height"`
	Data      []byte    `json:"-" msgpack:"data"`
}

// StatusText is the payload on TopicStatus.
type StatusText struct {
	Text string `json:"text"`
}

// RecordingEvent is the payload on TopicRecordingStarts / TopicRecordingEnds.
type RecordingEvent struct {
	ArtifactID string `json:"artifact_id"`
	Path       string `json:"path"`
	Frames     int64  `json:"frames"`
	Clean      bool   `json:"clean"`
}

// ParameterChange is the payload on TopicCameraParameter. Emitted only when a
// device write actually succeeded.
type ParameterChange struct {
	Side  string  `json:"side"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// AlignmentUpdate is the payload on TopicAlignment.
type AlignmentUpdate struct {
	OffsetX    int  `json:"offset_x"`
	OffsetY    int  `json:"offset_y"`
	Horizontal bool `json:"horizontal"`
	Applied    bool `json:"applied"`
}

// TuningSample is the payload on TopicTuning, one per controller tick.
type TuningSample struct {
	Side string  `json:"side"`
	Mean float64 `json:"mean"`
	Diff float64 `json:"diff"`
}
