//go:build linux

package ipcmutex

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type MutexTestSuite struct {
	suite.Suite
	mem []byte
}

func (s *MutexTestSuite) SetupTest() {
	s.mem = make([]byte, StateSize)
}

func (s *MutexTestSuite) create(b *Builder) *Mutex {
	m, err := b.Create(s.mem)
	s.Require().NoError(err)
	return m
}

func (s *MutexTestSuite) open() *Mutex {
	m, err := Open(s.mem)
	s.Require().NoError(err)
	return m
}

func (s *MutexTestSuite) TestDefaults() {
	cfg := NewBuilder().Config()
	s.Require().True(cfg.InterProcessCapable)
	s.Require().Equal(Recursive, cfg.Type)
	s.Require().Equal(PriorityNone, cfg.PriorityInheritance)
	s.Require().Nil(cfg.PriorityCeiling)
	s.Require().Equal(Robust, cfg.ThreadTerminationBehavior)

	m := s.create(NewBuilder())
	s.Require().Equal(cfg, m.Config())
	s.Require().Equal(cfg, s.open().Config())
}

func (s *MutexTestSuite) TestLockUnlockAcrossHandles() {
	a := s.create(NewBuilder().Type(Normal))
	b := s.open()

	s.Require().NoError(a.Lock())
	res, err := b.TryLock()
	s.Require().NoError(err)
	s.Require().Equal(WouldBlock, res)
	s.Require().ErrorIs(b.Unlock(), ErrNotOwnedByCallingThread)

	s.Require().NoError(a.Unlock())
	res, err = b.TryLock()
	s.Require().NoError(err)
	s.Require().Equal(Acquired, res)
	s.Require().NoError(b.Unlock())
	s.Require().ErrorIs(b.Unlock(), ErrNotOwnedByCallingThread)
}

func (s *MutexTestSuite) TestRecursive() {
	m := s.create(NewBuilder().Type(Recursive))
	other := s.open()
	s.Require().NoError(m.Lock())
	s.Require().NoError(m.Lock())
	res, err := m.TryLock()
	s.Require().NoError(err)
	s.Require().Equal(Acquired, res)

	s.Require().NoError(m.Unlock())
	s.Require().NoError(m.Unlock())
	res, _ = other.TryLock()
	s.Require().Equal(WouldBlock, res, "one level still held")
	s.Require().NoError(m.Unlock())
	res, _ = other.TryLock()
	s.Require().Equal(Acquired, res)
}

func (s *MutexTestSuite) TestNormalRelockIsDeadlock() {
	m := s.create(NewBuilder().Type(Normal))
	s.Require().NoError(m.Lock())
	s.Require().ErrorIs(m.Lock(), ErrDeadlockDetected)
	res, err := m.TryLock()
	s.Require().NoError(err)
	s.Require().Equal(WouldBlock, res)
	s.Require().NoError(m.Unlock())
}

func (s *MutexTestSuite) TestOwnerDiedRepairProtocol() {
	a := s.create(NewBuilder())
	b, c := s.open(), s.open()

	s.Require().NoError(a.Lock())
	a.Close() // a's holder is gone

	s.Require().ErrorIs(b.Lock(), ErrOwnerDied)
	s.Require().True(b.HasInconsistentState())
	s.Require().True(c.HasInconsistentState())
	res, err := c.TryLock()
	s.Require().NoError(err)
	s.Require().Equal(WouldBlock, res, "b holds the lock after ErrOwnerDied")

	b.MakeConsistent()
	s.Require().False(b.HasInconsistentState())
	s.Require().NoError(b.Unlock())

	s.Require().NoError(c.Lock())
	s.Require().False(c.HasInconsistentState())
	s.Require().NoError(c.Unlock())
}

func (s *MutexTestSuite) TestTryLockReportsOwnerDied() {
	a := s.create(NewBuilder())
	b := s.open()
	res, err := a.TryLock()
	s.Require().NoError(err)
	s.Require().Equal(Acquired, res)
	a.Close()

	res, err = b.TryLock()
	s.Require().ErrorIs(err, ErrOwnerDied)
	s.Require().Equal(Acquired, res)
	b.MakeConsistent()
	s.Require().NoError(b.Unlock())
}

func (s *MutexTestSuite) TestUnlockWithoutRepairIsNotRecoverable() {
	a := s.create(NewBuilder())
	b, c := s.open(), s.open()
	s.Require().NoError(a.Lock())
	a.Close()
	s.Require().ErrorIs(b.Lock(), ErrOwnerDied)
	s.Require().NoError(b.Unlock())

	s.Require().ErrorIs(c.Lock(), ErrNotRecoverable)
	_, err := c.TryLock()
	s.Require().ErrorIs(err, ErrNotRecoverable)
}

func (s *MutexTestSuite) TestMakeConsistentNoOp() {
	a := s.create(NewBuilder())
	a.MakeConsistent()
	s.Require().False(a.HasInconsistentState())

	b := s.open()
	s.Require().NoError(a.Lock())
	a.Close()
	s.Require().ErrorIs(b.Lock(), ErrOwnerDied)
	c := s.open()
	c.MakeConsistent() // not the holder
	s.Require().True(b.HasInconsistentState())
	b.MakeConsistent()
	s.Require().NoError(b.Unlock())
}

func (s *MutexTestSuite) TestStallingNeverHandsOver() {
	a := s.create(NewBuilder().ThreadTerminationBehavior(Stalling))
	b := s.open()
	s.Require().NoError(a.Lock())
	a.Close()
	for i := 0; i < 3; i++ {
		res, err := b.TryLock()
		s.Require().NoError(err)
		s.Require().Equal(WouldBlock, res)
	}
}

func (s *MutexTestSuite) TestClosedHandle() {
	a := s.create(NewBuilder())
	a.Close()
	a.Close()
	s.Require().ErrorIs(a.Lock(), ErrHandleClosed)
	_, err := a.TryLock()
	s.Require().ErrorIs(err, ErrHandleClosed)
}

func (s *MutexTestSuite) TestDestroy() {
	a := s.create(NewBuilder())
	s.Require().NoError(a.Lock())
	s.Require().ErrorIs(a.Destroy(), ErrMutexBusy)
	s.Require().NoError(a.Unlock())
	s.Require().NoError(a.Destroy())
	s.Require().Equal(make([]byte, StateSize), s.mem)
	_, err := Open(s.mem)
	s.Require().ErrorIs(err, ErrNotInitialized)
	s.create(NewBuilder())
}

func (s *MutexTestSuite) TestMutualExclusion() {
	s.create(NewBuilder().Type(Normal))
	const (
		workers = 8
		rounds  = 500
	)
	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		h := s.open()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := h.Lock(); err != nil {
					s.T().Errorf("lock: %v", err)
					return
				}
				counter++
				if err := h.Unlock(); err != nil {
					s.T().Errorf("unlock: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	s.Require().Equal(workers*rounds, counter)
}

func (s *MutexTestSuite) TestCreateErrors() {
	_, err := NewBuilder().Create(make([]byte, StateSize-1))
	s.Require().ErrorIs(err, ErrInsufficientMemory)

	s.create(NewBuilder())
	_, err = NewBuilder().Create(s.mem)
	s.Require().ErrorIs(err, ErrMutexAlreadyInitialized)

	fresh := make([]byte, StateSize)
	_, err = NewBuilder().Type(MutexType(7)).Create(fresh)
	s.Require().ErrorIs(err, ErrUnknownError)
	_, err = NewBuilder().PriorityInheritance(PriorityInheritance(9)).Create(fresh)
	s.Require().ErrorIs(err, ErrUsedPriorityUnsupportedByPlatform)
	_, err = NewBuilder().ThreadTerminationBehavior(ThreadTerminationBehavior(5)).Create(fresh)
	s.Require().ErrorIs(err, ErrUnknownError)
	_, err = NewBuilder().PriorityInheritance(PriorityProtect).PriorityCeiling(0).Create(fresh)
	s.Require().ErrorIs(err, ErrInvalidPriorityCeilingValue)
	_, err = NewBuilder().PriorityInheritance(PriorityProtect).PriorityCeiling(100).Create(fresh)
	s.Require().ErrorIs(err, ErrInvalidPriorityCeilingValue)
	s.Require().Equal(make([]byte, StateSize), fresh, "failed creation writes nothing")

	_, err = Open(make([]byte, 8))
	s.Require().ErrorIs(err, ErrInsufficientMemory)
}

func (s *MutexTestSuite) TestCeilingIgnoredWithoutProtect() {
	m := s.create(NewBuilder().PriorityInheritance(PriorityNone).PriorityCeiling(500))
	s.Require().Nil(m.Config().PriorityCeiling)
}

func (s *MutexTestSuite) TestPriorityProtect() {
	limit, err := rtPriorityLimit()
	s.Require().NoError(err)
	m, err := NewBuilder().PriorityInheritance(PriorityProtect).PriorityCeiling(10).Create(s.mem)
	if os.Geteuid() != 0 && limit < 10 {
		s.Require().ErrorIs(err, ErrPermissionDenied)
		return
	}
	s.Require().NoError(err)
	s.Require().Equal(int32(10), *m.Config().PriorityCeiling)

	m.SetPriority(20)
	s.Require().ErrorIs(m.Lock(), ErrPriorityMismatch)
	_, err = m.TryLock()
	s.Require().ErrorIs(err, ErrPriorityMismatch)
	m.SetPriority(10)
	s.Require().NoError(m.Lock())
	s.Require().NoError(m.Unlock())
}

func (s *MutexTestSuite) TestProcessPrivateOpensLocally() {
	s.create(NewBuilder().InterProcessCapable(false))
	m := s.open()
	s.Require().False(m.Config().InterProcessCapable)
	s.Require().NoError(m.Lock())
	s.Require().NoError(m.Unlock())
}

func TestMutexTestSuite(t *testing.T) {
	suite.Run(t, new(MutexTestSuite))
}
