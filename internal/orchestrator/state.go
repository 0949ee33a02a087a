package orchestrator

import (
	"fmt"

	"github.com/shaiso/Tandem/internal/durable"
)

// Операции entity.
const (
	opExchange = "exchange"
	opActive   = "active"
	opAcquire  = "acquire"
	opRelease  = "release"
)

// ProjectLockState — состояние ProjectCommandLock: последняя команда
// проекта, вошедшая в обработку, и команда перед ней.
type ProjectLockState struct {
	Active   string `json:"active,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// Exchange делает commandID активной командой и возвращает предыдущую.
// Повтор с той же командой возвращает ту же предыдущую: после replay
// обёртка не начинает ждать саму себя.
func (s *ProjectLockState) Exchange(commandID string) string {
	if s.Active == commandID {
		return s.Previous
	}
	s.Previous, s.Active = s.Active, commandID
	return s.Previous
}

// projectCommandLock — entity очереди команд проекта.
//
// Вызывается только под LockEntity, поэтому exchange атомарен
// относительно других команд того же проекта.
func projectCommandLock(ec *durable.EntityContext) error {
	var st ProjectLockState
	if ec.HasState() {
		if err := ec.GetState(&st); err != nil {
			return err
		}
	}

	switch ec.Operation() {
	case opExchange:
		var commandID string
		if err := ec.GetInput(&commandID); err != nil {
			return err
		}
		if commandID == "" {
			return fmt.Errorf("%s: empty command id", ec.ID())
		}
		previous := st.Exchange(commandID)
		if err := ec.SetState(st); err != nil {
			return err
		}
		return ec.Return(previous)

	case opActive:
		return ec.Return(st.Active)

	default:
		return fmt.Errorf("%s: unknown operation %q", ec.ID(), ec.Operation())
	}
}

// ComponentLockState — владелец блокировки компонента.
type ComponentLockState struct {
	Owner string `json:"owner,omitempty"`
}

// componentLockEntity фиксирует, какая задача сейчас работает с компонентом.
// Само взаимное исключение даёт LockEntity; entity хранит владельца для
// диагностики (GetEntityState).
func componentLockEntity(ec *durable.EntityContext) error {
	var st ComponentLockState
	if ec.HasState() {
		if err := ec.GetState(&st); err != nil {
			return err
		}
	}

	switch ec.Operation() {
	case opAcquire:
		var owner string
		if err := ec.GetInput(&owner); err != nil {
			return err
		}
		st.Owner = owner
		return ec.SetState(st)

	case opRelease:
		ec.DeleteState()
		return nil

	case opActive:
		return ec.Return(st.Owner)

	default:
		return fmt.Errorf("%s: unknown operation %q", ec.ID(), ec.Operation())
	}
}
