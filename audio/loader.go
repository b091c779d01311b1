// Package audio загружает аудиофайлы в моно-сигнал фиксированной частоты
// и нарезает его на сегменты.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Ошибки загрузки сигнала
var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrOversize          = errors.New("audio payload exceeds size limit")
	ErrDecode            = errors.New("failed to decode audio")
)

// Format контейнер аудиофайла
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
	FormatOGG Format = "ogg"
)

// SupportedFormats форматы, для которых есть декодер
var SupportedFormats = []Format{FormatWAV, FormatMP3, FormatOGG}

// Waveform моно-сигнал
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Duration длительность сигнала
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// LoaderConfig параметры загрузчика
type LoaderConfig struct {
	SampleRate        int      // целевая частота, Гц
	AllowedExtensions []string // без точки, регистр не важен
	MaxBytes          int64    // 0 = без ограничения
}

// DefaultLoaderConfig возвращает конфигурацию по умолчанию
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		SampleRate:        16000,
		AllowedExtensions: []string{"wav", "mp3", "ogg"},
		MaxBytes:          16 << 20,
	}
}

// Loader декодирует, сводит в моно и ресемплирует аудио
type Loader struct {
	config  LoaderConfig
	allowed map[string]Format
}

// NewLoader создаёт загрузчик
func NewLoader(config LoaderConfig) (*Loader, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("loader: sample rate must be positive, got %d", config.SampleRate)
	}
	if len(config.AllowedExtensions) == 0 {
		return nil, fmt.Errorf("loader: no allowed extensions")
	}

	allowed := make(map[string]Format, len(config.AllowedExtensions))
	for _, ext := range config.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))
		format, ok := formatByExt(ext)
		if !ok {
			return nil, fmt.Errorf("loader: no decoder for extension %q", ext)
		}
		allowed[ext] = format
	}

	return &Loader{config: config, allowed: allowed}, nil
}

func formatByExt(ext string) (Format, bool) {
	for _, f := range SupportedFormats {
		if string(f) == ext {
			return f, true
		}
	}
	return "", false
}

// Config возвращает конфигурацию
func (l *Loader) Config() LoaderConfig {
	return l.config
}

// CheckExtension проверяет имя файла по списку разрешённых расширений
func (l *Loader) CheckExtension(filename string) (Format, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnsupportedFormat, filename)
	}
	format, ok := l.allowed[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return format, nil
}

// CheckSize проверяет заявленный размер
func (l *Loader) CheckSize(size int64) error {
	if l.config.MaxBytes > 0 && size > l.config.MaxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrOversize, size, l.config.MaxBytes)
	}
	return nil
}

// Load читает и декодирует аудио. Расширение проверяется до чтения данных.
func (l *Loader) Load(r io.Reader, filename string) (Waveform, error) {
	format, err := l.CheckExtension(filename)
	if err != nil {
		return Waveform{}, err
	}

	data, err := l.readLimited(r)
	if err != nil {
		return Waveform{}, err
	}

	return l.Decode(data, format)
}

// LoadFile загружает аудио из файла
func (l *Loader) LoadFile(path string) (Waveform, error) {
	if _, err := l.CheckExtension(path); err != nil {
		return Waveform{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil {
		if err := l.CheckSize(info.Size()); err != nil {
			return Waveform{}, err
		}
	}

	return l.Load(file, path)
}

func (l *Loader) readLimited(r io.Reader) ([]byte, error) {
	if l.config.MaxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read audio: %w", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, l.config.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if int64(len(data)) > l.config.MaxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrOversize, l.config.MaxBytes)
	}
	return data, nil
}

// Decode декодирует байты указанного формата в моно-сигнал целевой частоты
func (l *Loader) Decode(data []byte, format Format) (Waveform, error) {
	if len(data) == 0 {
		return Waveform{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if sniffed := Sniff(data); sniffed != format {
		return Waveform{}, fmt.Errorf("%w: content does not look like %s", ErrDecode, format)
	}

	var (
		pcm *PCM
		err error
	)
	switch format {
	case FormatWAV:
		pcm, err = decodeWAV(bytes.NewReader(data))
	case FormatMP3:
		pcm, err = decodeMP3(bytes.NewReader(data))
	case FormatOGG:
		pcm, err = decodeOGG(bytes.NewReader(data))
	default:
		return Waveform{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Waveform{}, fmt.Errorf("%w: %s: %v", ErrDecode, format, err)
	}
	if pcm.Channels <= 0 || pcm.SampleRate <= 0 {
		return Waveform{}, fmt.Errorf("%w: invalid stream parameters (%d ch, %d Hz)", ErrDecode, pcm.Channels, pcm.SampleRate)
	}

	mono := pcm.Mono()
	if len(mono) == 0 {
		return Waveform{}, fmt.Errorf("%w: no samples", ErrDecode)
	}

	if pcm.SampleRate != l.config.SampleRate {
		mono, err = Resample(mono, pcm.SampleRate, l.config.SampleRate)
		if err != nil {
			return Waveform{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}

	return Waveform{Samples: mono, SampleRate: l.config.SampleRate}, nil
}

// Sniff определяет контейнер по сигнатуре
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 4 && string(data[0:4]) == "OggS":
		return FormatOGG
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	}
	return ""
}

// PCM декодированный многоканальный сигнал, каналы чередуются
type PCM struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

// Mono сводит каналы в моно средним значением
func (p *PCM) Mono() []float32 {
	if p.Channels == 1 {
		return p.Samples
	}
	frames := len(p.Samples) / p.Channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < p.Channels; c++ {
			sum += p.Samples[i*p.Channels+c]
		}
		mono[i] = sum / float32(p.Channels)
	}
	return mono
}
