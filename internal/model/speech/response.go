package speech

import "time"

// Recognition 语音识别结果
type Recognition struct {
	RequestID string    `json:"requestId"`
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"` // 服务端识别出的语种
	Duration  int64     `json:"duration"`           // milliseconds
	CreatedAt time.Time `json:"createdAt"`
}

// Synthesis 语音合成结果
type Synthesis struct {
	RequestID string    `json:"requestId"`
	Audio     []byte    `json:"-"`
	Duration  int64     `json:"duration"` // milliseconds
	Format    string    `json:"format"`
	CreatedAt time.Time `json:"createdAt"`
}
