package ai

import (
	"errors"
	"fmt"

	"moodvoice/audio"
)

// Ошибки конвейера. Ошибки загрузки сигнала определены в пакете audio
// и переэкспортируются, чтобы вызывающему коду хватало одного пакета.
var (
	ErrUnsupportedFormat = audio.ErrUnsupportedFormat
	ErrOversize          = audio.ErrOversize
	ErrDecode            = audio.ErrDecode
	ErrInsufficientAudio = errors.New("audio is shorter than one segment")
	ErrDegenerateSignal  = errors.New("segment has a flat spectrogram")
	ErrModelNotLoaded    = errors.New("classifier is not loaded")
	ErrInference         = errors.New("inference failed")
)

// Kind машиночитаемый тип ошибки конвейера
type Kind string

const (
	KindUnsupportedFormat Kind = "unsupported_format"
	KindOversize          Kind = "oversize"
	KindDecode            Kind = "decode"
	KindInsufficientAudio Kind = "insufficient_audio"
	KindDegenerateSignal  Kind = "degenerate_signal"
	KindModelNotLoaded    Kind = "model_not_loaded"
	KindInference         Kind = "inference"
	KindUnknown           Kind = "unknown"
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindUnsupportedFormat, ErrUnsupportedFormat},
	{KindOversize, ErrOversize},
	{KindDecode, ErrDecode},
	{KindInsufficientAudio, ErrInsufficientAudio},
	{KindDegenerateSignal, ErrDegenerateSignal},
	{KindModelNotLoaded, ErrModelNotLoaded},
	{KindInference, ErrInference},
}

// PipelineError ошибка, пересекающая границу конвейера
type PipelineError struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Stage == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// KindOf возвращает тип ошибки конвейера или KindUnknown
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindUnknown
}

// wrapStage оборачивает ошибку стадии в PipelineError.
// Ошибки без известного типа считаются ошибками инференса.
func wrapStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return err
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindInference
		err = fmt.Errorf("%w: %v", ErrInference, err)
	}
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}
