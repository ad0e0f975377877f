package translation

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

const translateSystemPrompt = `You are a medical interpreter between a patient and a doctor.
Translate the user's message from {source} to {target}.
Keep medication names, dosages and numbers exactly as written.
Reply with the translation only, without quotes or commentary.`

const detectSystemPrompt = `Identify the language of the user's message.
Reply with its ISO 639-1 code only, for example en, es, zh or ar.`

// LLMTranslator 使用大模型完成翻译与语种识别
type LLMTranslator struct {
	translate compose.Runnable[map[string]any, *schema.Message]
	detect    compose.Runnable[map[string]any, *schema.Message]
	logger    *zap.Logger
}

// NewLLMTranslator compiles the translate and detect chains on top of chatModel.
func NewLLMTranslator(ctx context.Context, chatModel model.BaseChatModel, logger *zap.Logger) (*LLMTranslator, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	translate, err := compileChain(ctx, chatModel, translateSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to compile translate chain: %w", err)
	}
	detect, err := compileChain(ctx, chatModel, detectSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to compile detect chain: %w", err)
	}

	return &LLMTranslator{translate: translate, detect: detect, logger: logger.Named("translation")}, nil
}

func compileChain(ctx context.Context, chatModel model.BaseChatModel, system string) (compose.Runnable[map[string]any, *schema.Message], error) {
	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage("{text}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)
	return chain.Compile(ctx)
}

// Translate 翻译文本
func (t *LLMTranslator) Translate(ctx context.Context, text, from, to string) (string, error) {
	source := "the detected language"
	if from != "" {
		source = DisplayName(from)
	}

	resp, err := t.translate.Invoke(ctx, map[string]any{
		"source": source,
		"target": DisplayName(to),
		"text":   text,
	})
	if err != nil {
		return "", fmt.Errorf("translate via llm: %w", err)
	}

	translated := strings.TrimSpace(resp.Content)
	if translated == "" {
		return "", fmt.Errorf("translate via llm: empty response")
	}

	t.logger.Debug("translated", zap.String("from", from), zap.String("to", to), zap.Int("length", len(translated)))
	return translated, nil
}

// Detect 识别文本语种
func (t *LLMTranslator) Detect(ctx context.Context, text string) (string, error) {
	resp, err := t.detect.Invoke(ctx, map[string]any{"text": text})
	if err != nil {
		return "", fmt.Errorf("detect via llm: %w", err)
	}

	fields := strings.Fields(strings.Trim(resp.Content, " \n\t.\"'`"))
	if len(fields) == 0 {
		return "", fmt.Errorf("detect via llm: empty response")
	}
	code := Normalize(strings.Trim(fields[0], ".,\"'`"))
	if code == "" {
		return "", fmt.Errorf("detect via llm: unrecognised language %q", resp.Content)
	}
	return code, nil
}
