package audio

import "context"

// Transcript is what a Transcriber returns. Language is empty when the provider does
// not report one.
type Transcript struct {
	Text     string
	Language string
}

// Transcriber converts speech to text. languageHint may be empty.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, languageHint string) (Transcript, error)
}

// Translator translates text between two language codes.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// Detector guesses the language of a text.
type Detector interface {
	Detect(ctx context.Context, text string) (string, error)
}

// Speech is synthesized audio ready to be stored.
type Speech struct {
	Data        []byte
	Format      string
	ContentType string
}

// Synthesizer converts text to speech in the given language.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) (Speech, error)
}
