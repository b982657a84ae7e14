package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Kind identifies a record type. The string form is the first CSV column.
type Kind string

const (
	KindInit         Kind = "init"
	KindIMU          Kind = "imu"
	KindExtState     Kind = "ext"
	KindPosition     Kind = "pos"
	KindDisplacement Kind = "disp"
)

// ErrSkip is returned by ParseLine for blank lines and # comments.
var ErrSkip = errors.New("ingest: nothing to parse")

// Record is one decoded stream line. Which fields are meaningful depends on
// Kind:
//
//	init,t,px,py,pz,vx,vy,vz,qw,qx,qy,qz
//	imu,t,seq,ax,ay,az,gx,gy,gz
//	ext,t,seq,ax,ay,az,gx,gy,gz,px,py,pz,vx,vy,vz,qw,qx,qy,qz,propagated
//	pos,t,sensor,x,y,z,sigma
//	disp,t,sensor,dx,dy,dz,sigma
type Record struct {
	Kind   Kind
	Time   float64
	Seq    uint64
	Sensor int

	Acc, Gyro r3.Vec
	P, V      r3.Vec
	Q         quat.Number
	// Propagated marks an ext record whose pose is already propagated.
	Propagated bool

	// Z is the observed position (pos) or displacement (disp).
	Z     r3.Vec
	Sigma float64
}

var fieldCounts = map[Kind]int{
	KindInit:         12,
	KindIMU:          9,
	KindExtState:     20,
	KindPosition:     7,
	KindDisplacement: 7,
}

// ParseLine decodes one CSV line. Whitespace around fields is ignored.
func ParseLine(line string) (Record, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Record{}, ErrSkip
	}
	cols := strings.Split(line, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}

	kind := Kind(strings.ToLower(cols[0]))
	want, ok := fieldCounts[kind]
	if !ok {
		return Record{}, fmt.Errorf("unknown record kind %q", cols[0])
	}
	if len(cols) != want {
		return Record{}, fmt.Errorf("%s record has %d fields, want %d", kind, len(cols), want)
	}

	p := parser{cols: cols, i: 1}
	rec := Record{Kind: kind, Time: p.float()}
	switch kind {
	case KindInit:
		rec.P = p.vec()
		rec.V = p.vec()
		rec.Q = p.quat()
	case KindIMU:
		rec.Seq = p.uint()
		rec.Acc = p.vec()
		rec.Gyro = p.vec()
	case KindExtState:
		rec.Seq = p.uint()
		rec.Acc = p.vec()
		rec.Gyro = p.vec()
		rec.P = p.vec()
		rec.V = p.vec()
		rec.Q = p.quat()
		rec.Propagated = p.bool()
	case KindPosition, KindDisplacement:
		rec.Sensor = p.int()
		rec.Z = p.vec()
		rec.Sigma = p.float()
		if p.err == nil && rec.Sigma <= 0 {
			p.err = fmt.Errorf("sigma must be positive, got %g", rec.Sigma)
		}
	}
	if p.err != nil {
		return Record{}, fmt.Errorf("%s record: %w", kind, p.err)
	}
	return rec, nil
}

// parser walks the columns of one line and keeps the first error.
type parser struct {
	cols []string
	i    int
	err  error
}

func (p *parser) next() string {
	s := p.cols[p.i]
	p.i++
	return s
}

func (p *parser) float() float64 {
	col := p.i
	s := p.next()
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("field %d: %w", col, err)
		return 0
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		p.err = fmt.Errorf("field %d: non-finite value %q", col, s)
		return 0
	}
	return v
}

func (p *parser) uint() uint64 {
	col := p.i
	s := p.next()
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("field %d: %w", col, err)
	}
	return v
}

func (p *parser) int() int {
	col := p.i
	s := p.next()
	if p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.err = fmt.Errorf("field %d: %w", col, err)
	}
	return v
}

func (p *parser) bool() bool {
	col := p.i
	s := p.next()
	if p.err != nil {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		p.err = fmt.Errorf("field %d: %w", col, err)
	}
	return v
}

func (p *parser) vec() r3.Vec {
	return r3.Vec{X: p.float(), Y: p.float(), Z: p.float()}
}

func (p *parser) quat() quat.Number {
	return quat.Number{Real: p.float(), Imag: p.float(), Jmag: p.float(), Kmag: p.float()}
}
