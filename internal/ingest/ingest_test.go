package ingest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fusion/internal/fusion/core"
	"github.com/banshee-data/fusion/internal/fusion/sensors"
	"github.com/banshee-data/fusion/internal/fusion/state"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want Record
	}{
		{
			name: "init",
			line: "init,0.5,1,2,3,0.1,0,0,1,0,0,0",
			want: Record{Kind: KindInit, Time: 0.5, P: r3.Vec{X: 1, Y: 2, Z: 3}, V: r3.Vec{X: 0.1}, Q: quat.Number{Real: 1}},
		},
		{
			name: "imu with spaces",
			line: " imu, 1.25, 7, 0.1, 0.2, 9.81, 0, 0, 0.01 ",
			want: Record{Kind: KindIMU, Time: 1.25, Seq: 7, Acc: r3.Vec{X: 0.1, Y: 0.2, Z: 9.81}, Gyro: r3.Vec{Z: 0.01}},
		},
		{
			name: "ext",
			line: "ext,2,8,0,0,9.81,0,0,0,1,1,1,0,0,0,1,0,0,0,true",
			want: Record{
				Kind: KindExtState, Time: 2, Seq: 8,
				Acc: r3.Vec{Z: 9.81}, P: r3.Vec{X: 1, Y: 1, Z: 1}, Q: quat.Number{Real: 1},
				Propagated: true,
			},
		},
		{
			name: "position",
			line: "pos,3,2,10,20,30,0.5",
			want: Record{Kind: KindPosition, Time: 3, Sensor: 2, Z: r3.Vec{X: 10, Y: 20, Z: 30}, Sigma: 0.5},
		},
		{
			name: "displacement upper case",
			line: "DISP,4,3,0.1,0,0,0.01",
			want: Record{Kind: KindDisplacement, Time: 4, Sensor: 3, Z: r3.Vec{X: 0.1}, Sigma: 0.01},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseLine(tt.line)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseLine() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseLineErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		skip bool
	}{
		{name: "blank", line: "   ", skip: true},
		{name: "comment", line: "# recorded 2026-01-01", skip: true},
		{name: "unknown kind", line: "baro,1,1013"},
		{name: "too few fields", line: "imu,1,2,3"},
		{name: "bad float", line: "pos,1,1,x,0,0,1"},
		{name: "bad sequence", line: "imu,1,-2,0,0,0,0,0,0"},
		{name: "bad bool", line: "ext,2,8,0,0,9.81,0,0,0,1,1,1,0,0,0,1,0,0,0,maybe"},
		{name: "zero sigma", line: "pos,1,1,0,0,0,0"},
		{name: "nan time", line: "imu,NaN,9,1,0,9.81,0,0,0"},
		{name: "infinite time", line: "pos,+Inf,1,0,0,0,0.1"},
		{name: "nan sigma", line: "pos,1,1,0,0,0,nan"},
		{name: "infinite component", line: "disp,1,1,0,-inf,0,0.1"},
		{name: "nan quaternion", line: "init,0,0,0,0,0,0,0,NaN,0,0,0"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseLine(tt.line)
			require.Error(t, err)
			assert.Equal(t, tt.skip, errors.Is(err, ErrSkip))
		})
	}
}

const sample = `# t=0 init
init,0,0,0,0,0,0,0,1,0,0,0
imu,0.125,1,1,0,9.81,0,0,0
garbage line
imu,0.25,2,1,0,9.81,0,0,0

pos,0.25,1,0.03,0,0,0.1
`

func TestDecoder(t *testing.T) {
	t.Parallel()
	dec := NewDecoder(strings.NewReader(sample))

	var kinds []Kind
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []Kind{KindInit, KindIMU, KindIMU, KindPosition}, kinds)
	assert.Equal(t, 1, dec.Malformed())
}

// fakeFilter records the calls Dispatch makes.
type fakeFilter struct {
	calls []string
	init  *core.InitMeasurement
	meas  []core.Measurement
	ext   bool
}

func (f *fakeFilter) Init(m *core.InitMeasurement) bool {
	f.calls = append(f.calls, "init")
	f.init = m
	return m.T >= 0
}

func (f *fakeFilter) ProcessIMU(acc, gyro r3.Vec, t float64, seq uint64) {
	f.calls = append(f.calls, "imu")
}

func (f *fakeFilter) ProcessExtState(acc, gyro, p, v r3.Vec, q quat.Number, alreadyPropagated bool, t float64, seq uint64) {
	f.calls = append(f.calls, "ext")
	f.ext = alreadyPropagated
}

func (f *fakeFilter) AddMeasurement(m core.Measurement) {
	f.calls = append(f.calls, "meas")
	f.meas = append(f.meas, m)
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	f := &fakeFilter{}

	assert.True(t, Dispatch(f, Record{Kind: KindInit, Time: 1, P: r3.Vec{X: 2}, Q: quat.Number{Real: 1}}))
	assert.False(t, Dispatch(f, Record{Kind: KindInit, Time: -1, Q: quat.Number{Real: 1}}))
	Dispatch(f, Record{Kind: KindIMU, Time: 2})
	Dispatch(f, Record{Kind: KindExtState, Time: 3, Propagated: true})
	Dispatch(f, Record{Kind: KindPosition, Time: 4, Sensor: 1, Z: r3.Vec{X: 1}, Sigma: 0.5})
	Dispatch(f, Record{Kind: KindDisplacement, Time: 5, Sensor: 2, Z: r3.Vec{Y: 1}, Sigma: 0.1})

	assert.Equal(t, []string{"init", "init", "imu", "ext", "meas", "meas"}, f.calls)
	assert.True(t, f.ext)
	require.Len(t, f.meas, 2)
	want := []core.Measurement{
		&sensors.Position{T: 4, Sensor: 1, Z: r3.Vec{X: 1}, Sigma: 0.5},
		&sensors.Displacement{T: 5, Sensor: 2, Delta: r3.Vec{Y: 1}, Sigma: 0.1},
	}
	if diff := cmp.Diff(want, f.meas); diff != "" {
		t.Errorf("measurements mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamDrivesCore(t *testing.T) {
	t.Parallel()
	c, err := core.New(&core.BaseManager{DefaultVariance: 0.01}, state.MustLayout(""), core.DefaultOptions())
	require.NoError(t, err)

	var n int
	err = Stream(context.Background(), strings.NewReader(sample), func(rec Record) error {
		n++
		Dispatch(c, rec)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 3, c.StateCount())
	assert.Equal(t, 1, c.MeasurementCount())
	assert.InDelta(t, 0.03125, c.Latest().Position().X, 0.01)
}

func TestStreamStopsOnCallbackError(t *testing.T) {
	t.Parallel()
	stop := errors.New("stop")
	var n int
	err := Stream(context.Background(), strings.NewReader(sample), func(Record) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestStreamCancel(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Stream(ctx, pr, func(Record) error { return nil })
	}()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestOpenFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "run.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	f, err := OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rec, err := NewDecoder(f).Next()
	require.NoError(t, err)
	assert.Equal(t, KindInit, rec.Kind)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestPortOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    PortOptions
		want    *serial.Mode
		wantErr bool
	}{
		{
			name: "defaults",
			opts: PortOptions{},
			want: &serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit},
		},
		{
			name: "explicit",
			opts: PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"},
			want: &serial.Mode{BaudRate: 9600, DataBits: 7, Parity: serial.EvenParity, StopBits: serial.TwoStopBits},
		},
		{
			name: "odd parity",
			opts: PortOptions{Parity: "O"},
			want: &serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.OddParity, StopBits: serial.OneStopBit},
		},
		{name: "bad data bits", opts: PortOptions{DataBits: 9}, wantErr: true},
		{name: "bad stop bits", opts: PortOptions{StopBits: 3}, wantErr: true},
		{name: "bad parity", opts: PortOptions{Parity: "mark"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.opts.SerialMode()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("SerialMode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOpenSerial(t *testing.T) {
	// replaces the package-level opener, so not parallel
	orig := openPort
	t.Cleanup(func() { openPort = orig })

	var gotPath string
	var gotMode *serial.Mode
	openPort = func(path string, mode *serial.Mode) (io.ReadCloser, error) {
		gotPath, gotMode = path, mode
		return io.NopCloser(strings.NewReader(sample)), nil
	}

	rc, err := OpenSerial("/dev/ttyUSB0", PortOptions{BaudRate: 230400})
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "/dev/ttyUSB0", gotPath)
	assert.Equal(t, 230400, gotMode.BaudRate)

	_, err = OpenSerial("/dev/ttyUSB0", PortOptions{Parity: "x"})
	assert.Error(t, err)

	openPort = func(string, *serial.Mode) (io.ReadCloser, error) { return nil, errors.New("busy") }
	_, err = OpenSerial("/dev/ttyUSB0", PortOptions{})
	assert.ErrorContains(t, err, "busy")
}
