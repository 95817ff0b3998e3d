package slotlm

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"nano-slotlm-go/logger"
	"nano-slotlm-go/purego/tensor"
)

type opKind uint8

const (
	opPrefill opKind = iota
	opInsert
	opGenerate
)

func (o opKind) String() string {
	switch o {
	case opPrefill:
		return "prefill"
	case opInsert:
		return "insert"
	case opGenerate:
		return "generate"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// programKey identifies a shape bucket of one operation.
type programKey struct {
	op        opKind
	batch     int
	seq       int
	leftAlign bool
}

func (k programKey) hash() uint64 {
	var buf [18]byte
	buf[0] = byte(k.op)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(k.batch))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(k.seq))
	if k.leftAlign {
		buf[17] = 1
	}
	return xxhash.Sum64(buf[:])
}

// program is an operation specialised to one bucket: its kernel is built
// once for the bucket's sequence width and reused by every call.
type program struct {
	key    programKey
	kernel tensor.Kernel
	calls  int
}

type programBuilder func(programKey) (*program, error)

// programCache memoizes programs by bucket.
type programCache struct {
	programs map[uint64]*program
	builds   int
	build    programBuilder
	log      logger.Logger
}

func newProgramCache(build programBuilder, log logger.Logger) *programCache {
	return &programCache{
		programs: make(map[uint64]*program),
		build:    build,
		log:      log,
	}
}

func (c *programCache) get(key programKey) (*program, error) {
	h := key.hash()
	if p, ok := c.programs[h]; ok && p.key == key {
		p.calls++
		return p, nil
	}
	p, err := c.build(key)
	if err != nil {
		return nil, fmt.Errorf("compile %s program: %w", key.op, err)
	}
	c.builds++
	c.programs[h] = p
	kernel := ""
	if p.kernel != nil {
		kernel = p.kernel.Name()
	}
	c.log.Debug("compiled program", "op", key.op.String(), "batch", key.batch, "seq", key.seq,
		"left_align", key.leftAlign, "kernel", kernel)
	p.calls++
	return p, nil
}

// ProgramStats reports program cache activity.
type ProgramStats struct {
	Builds int            `json:"builds" yaml:"builds"`
	Cached int            `json:"cached" yaml:"cached"`
	Calls  map[string]int `json:"calls" yaml:"calls"`
}

func (c *programCache) stats() ProgramStats {
	s := ProgramStats{Builds: c.builds, Cached: len(c.programs), Calls: make(map[string]int)}
	for _, p := range c.programs {
		s.Calls[p.key.op.String()] += p.calls
	}
	return s
}
