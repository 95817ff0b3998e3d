// Package spmd replicates host-local input onto every device of a
// multi-host mesh. The primary host contributes the real input on its first
// local device and zeros everywhere else; a cross-device sum, carried between
// hosts by a Collective, then leaves an identical copy on every device.
package spmd

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrMesh is returned for invalid mesh or host settings.
	ErrMesh = errors.New("spmd: invalid mesh")

	// ErrReplicaMismatch is returned when devices disagree after the reduction.
	ErrReplicaMismatch = errors.New("spmd: replicas differ after all-reduce")
)

// Number is the set of element types that can be replicated. Every value
// of these types survives a round trip through float64, the element type
// collectives carry.
type Number interface {
	~int8 | ~int16 | ~int32 | ~float32 | ~float64
}

// Mesh describes the device topology.
type Mesh struct {
	Hosts          int `yaml:"hosts"`
	DevicesPerHost int `yaml:"devices_per_host"`
}

// Devices is the total device count.
func (m Mesh) Devices() int { return m.Hosts * m.DevicesPerHost }

// Validate checks both dimensions are positive.
func (m Mesh) Validate() error {
	if m.Hosts < 1 || m.DevicesPerHost < 1 {
		return fmt.Errorf("%w: %d hosts x %d devices", ErrMesh, m.Hosts, m.DevicesPerHost)
	}
	return nil
}

// Buffers returns the per-device input this host contributes. The primary
// host places a copy of data on its device 0; every other device gets zeros
// of the same length.
func Buffers[T Number](m Mesh, primary bool, data []T) [][]T {
	bufs := make([][]T, m.DevicesPerHost)
	for d := range bufs {
		if d == 0 && primary {
			bufs[d] = slices.Clone(data)
			continue
		}
		bufs[d] = make([]T, len(data))
	}
	return bufs
}

// AllReduceSum sums contributions element-wise and returns one replica per
// contribution. Each device reduces independently.
func AllReduceSum[T Number](ctx context.Context, contributions [][]T) ([][]T, error) {
	if len(contributions) == 0 {
		return nil, fmt.Errorf("%w: no devices", ErrMesh)
	}
	n := len(contributions[0])
	for d, c := range contributions {
		if len(c) != n {
			return nil, fmt.Errorf("%w: device %d has %d elements, want %d", ErrMesh, d, len(c), n)
		}
	}

	replicas := make([][]T, len(contributions))
	g, ctx := errgroup.WithContext(ctx)
	for d := range contributions {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum := make([]T, n)
			for _, c := range contributions {
				for i, v := range c {
					sum[i] += v
				}
			}
			replicas[d] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return replicas, nil
}

// Replicator is one host's view of the mesh.
type Replicator struct {
	Mesh        Mesh
	HostIndex   int
	PrimaryHost int

	collective Collective
}

// NewReplicator validates the mesh and host indices. A nil collective
// selects the in-process reduction, which only a primary host can use: a
// secondary host has no local copy of the primary's input and needs a
// collective that reaches it.
func NewReplicator(m Mesh, hostIndex, primaryHost int, c Collective) (*Replicator, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if hostIndex < 0 || hostIndex >= m.Hosts || primaryHost < 0 || primaryHost >= m.Hosts {
		return nil, fmt.Errorf("%w: host %d, primary %d of %d", ErrMesh, hostIndex, primaryHost, m.Hosts)
	}
	if c == nil {
		if hostIndex != primaryHost {
			return nil, fmt.Errorf("%w: secondary host %d has no collective", ErrMesh, hostIndex)
		}
		c = Local(m)
	}
	return &Replicator{Mesh: m, HostIndex: hostIndex, PrimaryHost: primaryHost, collective: c}, nil
}

// IsPrimary reports whether this host holds the authoritative input.
func (r *Replicator) IsPrimary() bool { return r.HostIndex == r.PrimaryHost }

// Replicate runs the zero-fill-and-sum protocol for data and returns the
// replica held by this host's first device. Every host of the mesh must
// call it with data of the same length; only the primary's values survive.
func Replicate[T Number](ctx context.Context, r *Replicator, data []T) ([]T, error) {
	bufs := Buffers(r.Mesh, r.IsPrimary(), data)
	local := make([][]float64, len(bufs))
	for d, b := range bufs {
		local[d] = make([]float64, len(b))
		for i, v := range b {
			local[d][i] = float64(v)
		}
	}
	replicas, err := r.collective.AllReduce(ctx, r.HostIndex, local)
	if err != nil {
		return nil, err
	}
	if len(replicas) != r.Mesh.DevicesPerHost {
		return nil, fmt.Errorf("%w: collective returned %d replicas, want %d", ErrMesh, len(replicas), r.Mesh.DevicesPerHost)
	}
	for d := 1; d < len(replicas); d++ {
		if !slices.Equal(replicas[0], replicas[d]) {
			return nil, fmt.Errorf("%w: device %d", ErrReplicaMismatch, d)
		}
	}
	if len(replicas[0]) != len(data) {
		return nil, fmt.Errorf("%w: replica has %d elements, want %d", ErrMesh, len(replicas[0]), len(data))
	}
	out := make([]T, len(data))
	for i, v := range replicas[0] {
		out[i] = T(v)
	}
	return out, nil
}
