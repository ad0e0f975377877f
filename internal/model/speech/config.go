package speech

import "time"

// SpeechConfig 火山引擎语音服务配置
type SpeechConfig struct {
	AppID          string            `json:"appId"`          // 火山引擎 APP ID
	AccessToken    string            `json:"accessToken"`    // 火山引擎 Access Token
	ConcurrentMode bool              `json:"concurrentMode"` // ASR并发版（false 为小时版）
	ASRLanguage    string            `json:"asrLanguage"`    // 为空时自动识别
	TTSVoice       string            `json:"ttsVoice"`       // 默认音色
	TTSVoices      map[string]string `json:"ttsVoices"`      // 语种 -> 音色
	TTSSpeed       float32           `json:"ttsSpeed"`
	TTSVolume      float32           `json:"ttsVolume"`
	TTSFormat      string            `json:"ttsFormat"`
	Timeout        time.Duration     `json:"timeout"`
	ChunkInterval  time.Duration     `json:"chunkInterval"` // 音频分包发送间隔
}

// VoiceFor 返回语种对应的音色，未配置时使用默认音色。
func (c *SpeechConfig) VoiceFor(language string) string {
	if voice, ok := c.TTSVoices[language]; ok && voice != "" {
		return voice
	}
	return c.TTSVoice
}
