package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	speechmodel "github.com/zhouzirui/curalink/backend/internal/model/speech"
)

const (
	defaultASREndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	// 16kHz, 16bit, mono, 200ms
	asrChunkSize = 6400
)

// ASRClient 火山引擎大模型语音识别客户端
type ASRClient struct {
	config   *speechmodel.SpeechConfig
	endpoint string
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

// NewASRClient 创建识别客户端
func NewASRClient(config *speechmodel.SpeechConfig, logger *zap.Logger) *ASRClient {
	return &ASRClient{
		config:   config,
		endpoint: defaultASREndpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		logger:   logger,
	}
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrUtterance struct {
	Text     string `json:"text"`
	Definite bool   `json:"definite"`
}

type asrResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Language   string         `json:"language"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

// Recognize 发送整段音频并等待最终识别结果
func (c *ASRClient) Recognize(ctx context.Context, req *speechmodel.RecognizeRequest) (*speechmodel.Recognition, error) {
	if len(req.Audio) == 0 {
		return nil, errors.New("no audio data to send")
	}

	appID, token, err := resolveCredentials(c.config)
	if err != nil {
		return nil, err
	}

	resourceID := "volc.bigasr.sauc.duration"
	if c.config.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent"
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", req.RequestID)

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ASR WebSocket: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		c.logger.Debug("asr connected", zap.String("logid", resp.Header.Get("X-Tt-Logid")), zap.String("request_id", req.RequestID))
	}

	payload, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	frame, err := newClientRequest(payload, GzipCompression)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Marshal()); err != nil {
		return nil, fmt.Errorf("failed to send ASR request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 识别结果与音频发送并发进行，服务端提前报错时及时停止发送
	type outcome struct {
		result *speechmodel.Recognition
		err    error
	}
	recvCh := make(chan outcome, 1)
	go func() {
		result, err := c.receive(conn, req.RequestID)
		recvCh <- outcome{result, err}
	}()

	sendCh := make(chan error, 1)
	go func() { sendCh <- c.sendAudio(ctx, conn, req.Audio) }()

	for {
		select {
		case err := <-sendCh:
			if err != nil {
				return nil, fmt.Errorf("failed to send audio data: %w", err)
			}
			sendCh = nil
		case out := <-recvCh:
			return out.result, out.err
		case <-ctx.Done():
			// 关闭连接以解除 receive 的阻塞读
			conn.Close()
			return nil, ctx.Err()
		}
	}
}

func (c *ASRClient) buildRequest(req *speechmodel.RecognizeRequest) *asrRequest {
	r := &asrRequest{}
	r.User.UID = req.RequestID

	r.Audio.Format = req.Format
	if r.Audio.Format == "" {
		r.Audio.Format = "wav"
	}
	r.Audio.Language = strings.TrimSpace(req.Language)
	if r.Audio.Language == "" {
		r.Audio.Language = c.config.ASRLanguage
	}
	r.Audio.Codec = "raw"
	r.Audio.Rate = 16000
	r.Audio.Bits = 16
	r.Audio.Channel = 1

	r.Request.ModelName = "bigmodel"
	r.Request.EnableITN = true
	r.Request.EnablePunc = true
	r.Request.ShowUtterances = true
	r.Request.ResultType = "full"
	r.Request.EndWindowSize = 800
	return r
}

func (c *ASRClient) sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	// FullClientRequest 占用序号 1
	sequence := int32(2)
	for offset := 0; offset < len(audio); offset += asrChunkSize {
		end := min(offset+asrChunkSize, len(audio))
		last := end == len(audio)

		frame, err := newAudioRequest(audio[offset:end], sequence, last, GzipCompression)
		if err != nil {
			return fmt.Errorf("failed to compress audio chunk: %w", err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Marshal()); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}
		sequence++

		if last || c.config.ChunkInterval <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.ChunkInterval):
		}
	}
	return nil
}

func (c *ASRClient) receive(conn *websocket.Conn, requestID string) (*speechmodel.Recognition, error) {
	var (
		text     string
		language string
		duration int64
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read ASR response: %w", err)
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ASR message: %w", err)
		}

		switch frame.Type {
		case ErrorMessage:
			body, _ := frame.Body()
			return nil, fmt.Errorf("ASR error %d: %s", frame.ErrorCode, string(body))

		case FullServerResponse:
			body, err := frame.Body()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress ASR payload: %w", err)
			}

			var resp asrResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				c.logger.Warn("asr response not json", zap.Error(err), zap.String("request_id", requestID))
				continue
			}
			if resp.Code != 0 && resp.Code != 20000000 {
				return nil, fmt.Errorf("ASR API error %d: %s", resp.Code, resp.Message)
			}

			if candidate := resp.Result.Text; candidate != "" {
				text = candidate
			} else if len(resp.Result.Utterances) > 0 {
				text = joinUtterances(resp.Result.Utterances)
			}
			if resp.Result.Language != "" {
				language = resp.Result.Language
			}
			if resp.AudioInfo.Duration > 0 {
				duration = resp.AudioInfo.Duration
			}

			if frame.IsLast() || resp.Sequence < 0 {
				return &speechmodel.Recognition{
					RequestID: requestID,
					Text:      strings.TrimSpace(text),
					Language:  language,
					Duration:  duration,
					CreatedAt: time.Now(),
				}, nil
			}
		}
	}
}

func joinUtterances(utterances []asrUtterance) string {
	parts := make([]string, 0, len(utterances))
	for _, u := range utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// resolveCredentials 返回规范化后的 AppID 与 AccessToken，缺失时给出明确错误。
func resolveCredentials(cfg *speechmodel.SpeechConfig) (string, string, error) {
	if cfg == nil {
		return "", "", errors.New("火山引擎语音配置未初始化")
	}
	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if appID == "" || token == "" {
		return "", "", errors.New("火山引擎语音配置缺少 AppID 或 AccessToken")
	}
	return appID, token, nil
}
