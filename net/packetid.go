package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-uuid"
)

// Id strategies accepted by NewIDAllocator.
const (
	IDStrategyNumber = "number"
	IDStrategyUUID   = "uuid"

	uuidLength = 36
)

var (
	// ErrIDExhausted is returned when every id of the pool is in flight.
	ErrIDExhausted = errors.New("net: packet id pool exhausted")

	errIDWidth = errors.New("net: packet id does not fit the configured id length")
)

// IDAllocator issues packet ids and frees them once the operation they
// belong to completes.
type IDAllocator interface {
	// IDLength is the fixed wire width of the ids in bytes.
	IDLength() int
	Allocate() (PacketID, error)
	Release(id PacketID)
}

// NewIDAllocator builds the allocator for a strategy.
func NewIDAllocator(strategy string, idLen int) (IDAllocator, error) {
	switch strategy {
	case "", IDStrategyNumber:
		if idLen < 1 || idLen > 4 {
			return nil, fmt.Errorf("net: numeric ids need an id length of 1..4, got %d", idLen)
		}
		return NewNumberAllocator(idLen), nil
	case IDStrategyUUID:
		if idLen != uuidLength {
			return nil, fmt.Errorf("net: uuid ids need an id length of %d, got %d", uuidLength, idLen)
		}
		return UUIDAllocator{}, nil
	default:
		return nil, fmt.Errorf("net: unknown id strategy %q", strategy)
	}
}

// NumberAllocator hands out integers from 1 to the largest value that fits
// idLen bytes. Freed ids become available again; allocation continues from
// where it left off so recently freed ids are reused last.
type NumberAllocator struct {
	mu    sync.Mutex
	idLen int
	max   uint64
	next  uint64
	inUse map[uint64]struct{}
}

// NewNumberAllocator creates a pool for idLen byte ids. The pool holds
// 1..2^(8*idLen)-1 since zero marks an unset id, so two byte ids give
// 65535 concurrent packets, not 65536.
func NewNumberAllocator(idLen int) *NumberAllocator {
	return &NumberAllocator{
		idLen: idLen,
		max:   1<<(8*uint(idLen)) - 1,
		next:  1,
		inUse: make(map[uint64]struct{}),
	}
}

// IDLength implements IDAllocator.
func (a *NumberAllocator) IDLength() int { return a.idLen }

// Allocate implements IDAllocator.
func (a *NumberAllocator) Allocate() (PacketID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(len(a.inUse)) >= a.max {
		return PacketID{}, ErrIDExhausted
	}
	for {
		n := a.next
		a.next++
		if a.next > a.max {
			a.next = 1
		}
		if _, used := a.inUse[n]; !used {
			a.inUse[n] = struct{}{}
			return NumberID(n), nil
		}
	}
}

// Release implements IDAllocator.
func (a *NumberAllocator) Release(id PacketID) {
	if id.IsString() {
		return
	}
	a.mu.Lock()
	delete(a.inUse, id.num)
	a.mu.Unlock()
}

// InUse is the number of ids currently allocated.
func (a *NumberAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// UUIDAllocator issues random UUIDs in their 36 byte text form.
type UUIDAllocator struct{}

// IDLength implements IDAllocator.
func (UUIDAllocator) IDLength() int { return uuidLength }

// Allocate implements IDAllocator.
func (UUIDAllocator) Allocate() (PacketID, error) {
	s, err := uuid.GenerateUUID()
	if err != nil {
		return PacketID{}, err
	}
	return StringID(s), nil
}

// Release implements IDAllocator.
func (UUIDAllocator) Release(PacketID) {}

// ReadID parses a wire id. Widths up to four bytes are big-endian
// integers, wider ones are UTF-8 text.
func ReadID(b []byte) PacketID {
	if len(b) <= 4 {
		var n uint64
		for _, c := range b {
			n = n<<8 | uint64(c)
		}
		return NumberID(n)
	}
	return StringID(string(b))
}

// WriteID renders id in exactly idLen bytes.
func WriteID(id PacketID, idLen int) ([]byte, error) {
	if idLen <= 4 {
		if id.IsString() {
			return nil, fmt.Errorf("%w: string id %q with width %d", errIDWidth, id.str, idLen)
		}
		if idLen < 4 && id.num >= 1<<(8*uint(idLen)) || id.num > 0xFFFFFFFF {
			return nil, fmt.Errorf("%w: %d in %d bytes", errIDWidth, id.num, idLen)
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], id.num)
		return tmp[8-idLen:], nil
	}
	if len(id.str) != idLen {
		return nil, fmt.Errorf("%w: %q is not %d bytes", errIDWidth, id.str, idLen)
	}
	return []byte(id.str), nil
}
