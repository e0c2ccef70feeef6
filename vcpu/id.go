package vcpu

import (
	"fmt"
	"sync/atomic"
)

// ID identifies a vCPU. The bootstrap vCPU is 0, host vCPUs carry the
// physical core number in the low 16 bits and guest vCPUs have at least
// one of the upper 48 bits set.
type ID uint64

// Bootstrap is the vCPU of the core that started the hypervisor.
const Bootstrap ID = 0

// FirstGuestID is the first value handed out by an IDGenerator.
const FirstGuestID ID = 10000

// GuestID places a generated guest number above the core bits so the
// result classifies as a guest and still names the core it runs on.
func GuestID(n ID, core uint16) ID {
	return n<<16 | ID(core)
}

// Core is the physical core a host or guest vCPU belongs to.
func (id ID) Core() uint16 {
	return uint16(id)
}

func (id ID) IsBootstrap() bool {
	return id == Bootstrap
}

func (id ID) IsHost() bool {
	return id>>16 == 0
}

func (id ID) IsGuest() bool {
	return !id.IsHost()
}

func (id ID) String() string {
	return fmt.Sprintf("%#x", uint64(id))
}

// IDGenerator hands out guest numbers in increasing order, starting at
// FirstGuestID. The zero value
// is ready to use and is safe for concurrent use.
type IDGenerator struct {
	n atomic.Uint64
}

func (g *IDGenerator) Next() ID {
	return FirstGuestID + ID(g.n.Add(1)-1)
}
