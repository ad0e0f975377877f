package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	speechmodel "github.com/zhouzirui/curalink/backend/internal/model/speech"
)

const defaultTTSEndpoint = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

const (
	resourceDefault = "volc.service_type.10029"
	resourceMega    = "volc.megatts.default"
	resourceSeed    = "seed-tts-2.0"
)

// TTSClient 火山引擎单向流式语音合成客户端
type TTSClient struct {
	config   *speechmodel.SpeechConfig
	endpoint string
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

// NewTTSClient 创建合成客户端
func NewTTSClient(config *speechmodel.SpeechConfig, logger *zap.Logger) *TTSClient {
	return &TTSClient{
		config:   config,
		endpoint: defaultTTSEndpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		logger:   logger,
	}
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Language    string         `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

type ttsResponse struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

var errResourceMismatch = errors.New("resource ID is mismatched with speaker related resource")

// Synthesize 合成语音；音色与资源 ID 不匹配时依次尝试候选资源
func (c *TTSClient) Synthesize(ctx context.Context, req *speechmodel.SynthesisRequest) (*speechmodel.Synthesis, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("TTS text is empty")
	}

	appID, token, err := resolveCredentials(c.config)
	if err != nil {
		return nil, err
	}

	speaker := strings.TrimSpace(req.Voice)
	if speaker == "" {
		speaker = c.config.VoiceFor(req.Language)
	}

	var lastErr error
	for _, resourceID := range resourceCandidates(speaker) {
		result, err := c.synthesizeWith(ctx, req, appID, token, speaker, resourceID)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, errResourceMismatch) {
			return nil, err
		}
		c.logger.Info("tts resource mismatch, trying next", zap.String("speaker", speaker), zap.String("resource_id", resourceID))
		lastErr = err
	}
	return nil, lastErr
}

func (c *TTSClient) synthesizeWith(ctx context.Context, req *speechmodel.SynthesisRequest, appID, token, speaker, resourceID string) (*speechmodel.Synthesis, error) {
	connectID := uuid.NewString()

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS WebSocket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	format := c.formatFor(req)
	payload, err := json.Marshal(c.buildRequest(req, speaker, format))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	frame, err := newClientRequest(payload, NoCompression)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Marshal()); err != nil {
		return nil, fmt.Errorf("failed to send TTS request: %w", err)
	}

	var (
		audio bytes.Buffer
		reqID = connectID
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read TTS response: %w", err)
		}
		frame, err := UnmarshalFrame(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode TTS message: %w", err)
		}

		switch frame.Type {
		case ErrorMessage:
			body, _ := frame.Body()
			if strings.Contains(string(body), errResourceMismatch.Error()) {
				return nil, fmt.Errorf("%w: %s", errResourceMismatch, body)
			}
			return nil, fmt.Errorf("TTS error %d: %s", frame.ErrorCode, string(body))

		case AudioOnlyServerResponse:
			chunk, err := frame.Body()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress audio chunk: %w", err)
			}
			audio.Write(chunk)

		case FullServerResponse:
			body, err := frame.Body()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress TTS payload: %w", err)
			}

			var resp ttsResponse
			if len(body) > 0 && json.Unmarshal(body, &resp) == nil {
				if resp.Code != 0 && resp.Code != 3000 && resp.Code != 20000000 {
					if strings.Contains(resp.Message, errResourceMismatch.Error()) {
						return nil, fmt.Errorf("%w: %s", errResourceMismatch, resp.Message)
					}
					return nil, fmt.Errorf("TTS API error %d: %s", resp.Code, resp.Message)
				}
				if resp.ReqID != "" {
					reqID = resp.ReqID
				}
				if resp.Data != "" {
					chunk, err := base64.StdEncoding.DecodeString(resp.Data)
					if err != nil {
						return nil, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
					}
					audio.Write(chunk)
				}
			}

			finished := (frame.hasEvent() && frame.Event == EventSessionFinished) || frame.IsLast() || resp.Sequence < 0
			if finished {
				if audio.Len() == 0 {
					return nil, errors.New("TTS audio is empty")
				}
				return &speechmodel.Synthesis{
					RequestID: reqID,
					Audio:     audio.Bytes(),
					Format:    format,
					CreatedAt: time.Now(),
				}, nil
			}
		}
	}
}

func (c *TTSClient) formatFor(req *speechmodel.SynthesisRequest) string {
	format := strings.TrimSpace(req.Format)
	if format == "" {
		format = c.config.TTSFormat
	}
	// 单向流式接口不支持 wav
	if format == "" || format == "wav" {
		format = "mp3"
	}
	return format
}

func (c *TTSClient) buildRequest(req *speechmodel.SynthesisRequest, speaker, format string) *ttsRequest {
	r := &ttsRequest{}
	r.User.UID = req.RequestID
	if r.User.UID == "" {
		r.User.UID = uuid.NewString()
	}
	r.ReqParams.Speaker = speaker
	r.ReqParams.Text = req.Text
	r.ReqParams.Language = strings.TrimSpace(req.Language)
	r.ReqParams.AudioParams.Format = format
	r.ReqParams.AudioParams.SampleRate = 24000

	speed := req.Speed
	if speed <= 0 {
		speed = c.config.TTSSpeed
	}
	if speed > 0 && speed != 1.0 {
		r.ReqParams.AudioParams.SpeedRatio = speed
	}

	volume := req.Volume
	if volume <= 0 {
		volume = c.config.TTSVolume
	}
	if volume > 0 && volume != 1.0 {
		r.ReqParams.AudioParams.VolumeRatio = volume
	}
	return r
}

// resourceCandidates 根据音色推断资源 ID 的尝试顺序
func resourceCandidates(voice string) []string {
	voice = strings.TrimSpace(voice)
	if strings.HasPrefix(voice, "S_") {
		return []string{resourceMega}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{resourceSeed, resourceDefault}
		}
	}
	return []string{resourceDefault, resourceSeed}
}
