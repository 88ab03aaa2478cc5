package source

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	src, err := New(KindSimulation, 8, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "Simulation", src.Name())

	src, err = New(KindSerial, 8, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "BalkonLogger", src.Name())

	_, err = New("modbus", 8, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Serial ")
	require.NoError(t, err)
	assert.Equal(t, KindSerial, k)

	_, err = ParseKind("bluetooth")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestSimulation_Waveform(t *testing.T) {
	now := time.Unix(1000, 0)
	sim := NewSimulation(3)
	sim.now = func() time.Time { return now }
	sim.noise = func() float64 { return 0 }

	assert.Nil(t, sim.GetData(), "disconnected source yields nothing")
	require.NoError(t, sim.Connect("", 0))

	data := sim.GetData()
	require.Len(t, data, 3)
	assert.InDelta(t, 2.0, data[0], 1e-9)
	assert.InDelta(t, 2+2*0.479425538604203, data[1], 1e-9)

	now = now.Add(5 * time.Second)
	data = sim.GetData()
	assert.InDelta(t, 2+2*0.8414709848078965, data[0], 1e-9)

	require.NoError(t, sim.Disconnect())
	assert.ErrorIs(t, sim.Disconnect(), ErrNotConnected)
}

func TestSimulation_StaysWithinRange(t *testing.T) {
	sim := NewSimulation(8)
	require.NoError(t, sim.Connect("", 0))
	for i := 0; i < 100; i++ {
		for _, v := range sim.GetData() {
			assert.GreaterOrEqual(t, v, -simNoise)
			assert.LessOrEqual(t, v, 4+simNoise)
		}
	}
}

func frame(values ...string) string {
	lines := append([]string{"eof"}, values...)
	for len(lines) < frameLines+1 {
		lines = append(lines, "0")
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func TestReadFrame(t *testing.T) {
	input := "garbage\n1.5\n" + frame("1", "2.5", "-3") + frame("x", "x", "x", "x", "x", "x", "x", "x", "x", "x", "x", "x", "x", "x")
	br := bufio.NewReader(strings.NewReader(input))

	values, err := readFrame(br, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, -3}, values)

	values, err = readFrame(br, 3)
	require.NoError(t, err)
	assert.Nil(t, values, "frame with too few numbers is discarded")

	_, err = readFrame(br, 3)
	assert.ErrorIs(t, err, io.EOF)
}

type pipePort struct {
	*io.PipeReader
}

func TestSerial_ReceivesFrames(t *testing.T) {
	pr, pw := io.Pipe()
	var once sync.Once

	s := NewSerial(2, zap.NewNop())
	s.retryDelay = time.Millisecond
	s.open = func(address string, baudRate int) (io.ReadCloser, error) {
		var port io.ReadCloser
		once.Do(func() { port = pipePort{pr} })
		if port == nil {
			return nil, errors.New("busy")
		}
		return port, nil
	}

	require.NoError(t, s.Connect("/dev/ttyUSB0", 9600))
	assert.True(t, s.Connected())
	assert.Equal(t, []float64{0, 0}, s.GetData())

	go func() {
		io.WriteString(pw, frame("4", "5", "6"))
	}()

	assert.Eventually(t, func() bool {
		data := s.GetData()
		return len(data) == 2 && data[0] == 4 && data[1] == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Frames())

	require.NoError(t, s.Disconnect())
	assert.False(t, s.Connected())
	assert.Nil(t, s.GetData())
	assert.ErrorIs(t, s.Disconnect(), ErrNotConnected)

	err := s.Connect("/dev/ttyUSB0", 9600)
	assert.Error(t, err)
	assert.False(t, s.Connected())
}
