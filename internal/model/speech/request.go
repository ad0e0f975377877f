package speech

// RecognizeRequest 语音识别请求
type RecognizeRequest struct {
	RequestID string `json:"requestId"`
	Audio     []byte `json:"-"`
	Format    string `json:"format"`   // wav
	Language  string `json:"language"` // en-US, zh-CN；为空时自动识别
}

// SynthesisRequest 语音合成请求
type SynthesisRequest struct {
	RequestID string  `json:"requestId"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`
	Speed     float32 `json:"speed"`  // 语速倍率 0.5-2.0
	Volume    float32 `json:"volume"` // 音量 0.0-1.0
	Format    string  `json:"format"` // mp3, ogg_opus, pcm
	Language  string  `json:"language"`
}
