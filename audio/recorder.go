package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// InputDevice устройство захвата
type InputDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Recorder записывает моно-сигнал с микрофона
type Recorder struct {
	ctx        *malgo.AllocatedContext
	deviceID   *malgo.DeviceID
	sampleRate int
	logger     *zap.Logger

	mu      sync.Mutex
	samples []float32
}

// NewRecorder инициализирует аудио-контекст
func NewRecorder(sampleRate int, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	return &Recorder{
		ctx:        ctx,
		sampleRate: sampleRate,
		logger:     logger.Named("recorder"),
	}, nil
}

// ListDevices возвращает устройства захвата
func (r *Recorder) ListDevices() ([]InputDevice, error) {
	devices, err := r.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	result := make([]InputDevice, 0, len(devices))
	for _, dev := range devices {
		result = append(result, InputDevice{
			ID:   deviceIDToString(dev.ID),
			Name: dev.Name(),
		})
	}
	return result, nil
}

// SelectDevice выбирает устройство по части имени; пустое имя — устройство по умолчанию
func (r *Recorder) SelectDevice(name string) error {
	if name == "" || name == "default" {
		r.deviceID = nil
		return nil
	}
	devices, err := r.ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	nameLower := strings.ToLower(name)
	for _, dev := range devices {
		if strings.Contains(strings.ToLower(dev.Name()), nameLower) {
			id := dev.ID
			r.deviceID = &id
			return nil
		}
	}
	return fmt.Errorf("device not found: %s", name)
}

// Record записывает duration секунд или до отмены контекста
func (r *Recorder) Record(ctx context.Context, duration time.Duration) (Waveform, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(r.sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if r.deviceID != nil {
		deviceConfig.Capture.DeviceID = r.deviceID.Pointer()
	}

	r.mu.Lock()
	r.samples = r.samples[:0]
	r.mu.Unlock()

	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		sampleCount := int(framecount)
		if len(pInputSamples) != sampleCount*4 {
			return
		}
		chunk := make([]float32, sampleCount)
		for i := 0; i < sampleCount; i++ {
			chunk[i] = math.Float32frombits(binary.LittleEndian.Uint32(pInputSamples[i*4:]))
		}
		r.mu.Lock()
		r.samples = append(r.samples, chunk...)
		r.mu.Unlock()
	}

	device, err := malgo.InitDevice(r.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return Waveform{}, fmt.Errorf("failed to init capture device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return Waveform{}, fmt.Errorf("failed to start capture: %w", err)
	}
	r.logger.Info("recording started", zap.Duration("duration", duration), zap.Int("sample_rate", r.sampleRate))

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := device.Stop(); err != nil {
		r.logger.Warn("failed to stop capture", zap.Error(err))
	}

	r.mu.Lock()
	samples := make([]float32, len(r.samples))
	copy(samples, r.samples)
	r.mu.Unlock()

	r.logger.Info("recording stopped", zap.Int("samples", len(samples)))
	if err := ctx.Err(); err != nil && len(samples) == 0 {
		return Waveform{}, err
	}
	return Waveform{Samples: samples, SampleRate: r.sampleRate}, nil
}

// Close освобождает аудио-контекст
func (r *Recorder) Close() {
	if r.ctx != nil {
		r.ctx.Uninit()
		r.ctx.Free()
		r.ctx = nil
	}
}

func deviceIDToString(id malgo.DeviceID) string {
	var result strings.Builder
	for _, b := range id[:32] {
		if b == 0 {
			break
		}
		result.WriteByte(b)
	}
	return result.String()
}
