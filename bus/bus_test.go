package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	kind    Kind
	targets []*Target
}

func (f *fakeBus) Kind() Kind                           { return f.kind }
func (f *fakeBus) GetTargets() ([]*Target, error)       { return f.targets, nil }
func (f *fakeBus) GetTargetInfo(*Target, interface{}) error { return ErrNoSuchFunction }
func (f *fakeBus) ReadRegister(*Target, int, int) (uint32, error) {
	return 0, ErrNoSuchFunction
}
func (f *fakeBus) WriteRegister(*Target, int, int, uint32) error { return ErrNoSuchFunction }
func (f *fakeBus) DeviceEnable(*Target, bool) error              { return ErrNoSuchFunction }
func (f *fakeBus) SetMaster(*Target, bool) error                 { return ErrNoSuchFunction }
func (f *fakeBus) Read(*Target, uint, []byte) (int, error)       { return 0, ErrNoSuchFunction }
func (f *fakeBus) Write(*Target, uint, []byte) (int, error)      { return 0, ErrNoSuchFunction }

func TestRegistryAggregatesAcrossBuses(t *testing.T) {
	r := &Registry{}

	b1 := &fakeBus{kind: PCI, targets: []*Target{{Id: 1}, {Id: 2}}}
	b2 := &fakeBus{kind: PCI, targets: []*Target{{Id: 3}}}
	b3 := &fakeBus{kind: USB, targets: []*Target{{Id: 100}}}

	for _, b := range []Driver{b1, b2, b3} {
		for _, t := range b.(*fakeBus).targets {
			t.Bus = b
		}
		require.NoError(t, r.Register(b))
	}

	pciTargets, err := r.GetTargets(PCI)
	require.NoError(t, err)
	require.Len(t, pciTargets, 3)

	usbTargets, err := r.GetTargets(USB)
	require.NoError(t, err)
	require.Len(t, usbTargets, 1)

	found, err := r.GetTarget(PCI, 3)
	require.NoError(t, err)
	require.Equal(t, uint32(3), found.Id)

	_, err = r.GetTarget(PCI, 999)
	require.ErrorIs(t, err, ErrNoSuchTarget)
}

func TestTargetClaim(t *testing.T) {
	tgt := &Target{Id: 1}

	require.NoError(t, tgt.Claim("driverA"))
	require.Error(t, tgt.Claim("driverB"))
	require.NoError(t, tgt.Claim("driverA")) // idempotent for same owner

	tgt.Release("driverB") // no-op, not owner
	require.Error(t, tgt.Claim("driverB"))

	tgt.Release("driverA")
	require.NoError(t, tgt.Claim("driverB"))
}
