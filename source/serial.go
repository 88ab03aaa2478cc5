package source

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	frameMarker   = "eof"
	frameLines    = 16
	serialTimeout = 2 * time.Second
	resyncDelay   = time.Second
)

// Serial reads BalkonLogger frames from a serial port
// A frame is an "eof" line followed by 16 value lines; the first N parsed values become the latest reading
type Serial struct {
	channels   int
	logger     *zap.Logger
	open       func(address string, baudRate int) (io.ReadCloser, error)
	retryDelay time.Duration
	errLog     *rate.Limiter

	mu        sync.Mutex
	port      io.ReadCloser
	latest    []float64
	connected bool
	stop      chan struct{}
	done      chan struct{}
	frames    uint64
}

// NewSerial creates a disconnected BalkonLogger source
func NewSerial(channels int, logger *zap.Logger) *Serial {
	return &Serial{
		channels:   channels,
		logger:     logger,
		open:       openPort,
		retryDelay: resyncDelay,
		errLog:     rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

func openPort(address string, baudRate int) (io.ReadCloser, error) {
	port, err := serial.Open(address, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(serialTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// Connect opens the port and starts the frame reader
func (s *Serial) Connect(address string, baudRate int) error {
	if s.Connected() {
		if err := s.Disconnect(); err != nil {
			return err
		}
	}

	port, err := s.open(address, baudRate)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s at %d baud: %w", address, baudRate, err)
	}

	s.mu.Lock()
	s.port = port
	s.latest = make([]float64, s.channels)
	s.connected = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go s.readLoop(port, stop, done)

	s.logger.Info("serial source connected",
		zap.String("port", address),
		zap.Int("baud_rate", baudRate))
	return nil
}

// Disconnect stops the reader and closes the port
func (s *Serial) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.connected = false
	port, stop, done := s.port, s.stop, s.done
	s.port = nil
	s.mu.Unlock()

	close(stop)
	err := port.Close()
	<-done

	s.logger.Info("serial source disconnected")
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

func (s *Serial) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Serial) GetData() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	out := make([]float64, len(s.latest))
	copy(out, s.latest)
	return out
}

func (s *Serial) Name() string {
	return "BalkonLogger"
}

// Frames returns the number of complete frames received since the source was created
func (s *Serial) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Serial) readLoop(r io.Reader, stop, done chan struct{}) {
	defer close(done)

	br := bufio.NewReader(r)
	for {
		values, err := readFrame(br, s.channels)
		select {
		case <-stop:
			return
		default:
		}

		if err != nil {
			if s.errLog.Allow() {
				s.logger.Warn("serial read failed, resynchronising",
					zap.Error(err))
			}
			select {
			case <-stop:
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}
		if values == nil {
			continue
		}

		s.mu.Lock()
		s.latest = values
		s.frames++
		s.mu.Unlock()
	}
}

// readFrame skips to the next "eof" line and parses the frame after it
// It returns nil values for a frame with fewer than n parseable lines
func readFrame(br *bufio.Reader, n int) ([]float64, error) {
	for {
		line, err := br.ReadString('\n')
		if strings.TrimSpace(line) == frameMarker {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	values := make([]float64, 0, frameLines)
	for i := 0; i < frameLines; i++ {
		line, err := br.ReadString('\n')
		if v, perr := strconv.ParseFloat(strings.TrimSpace(line), 64); perr == nil {
			values = append(values, v)
		}
		if err != nil {
			return nil, err
		}
	}

	if len(values) < n {
		return nil, nil
	}
	return values[:n], nil
}
