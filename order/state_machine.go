package order

import (
	"fmt"
	"sort"
)

// Transition 状态转换
type Transition struct {
	From State
	To   State
}

// StateMachine 订单状态机。构造后只读，可并发使用。
type StateMachine struct {
	transitions map[Transition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[Transition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// DefaultStateMachine InFlightOrder 默认使用的转换表。
var DefaultStateMachine = NewStateMachine()

func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []Transition{
		{StatePendingCreate, StateOpen},
		{StatePendingCreate, StatePartiallyFilled},
		{StatePendingCreate, StateFilled},
		{StatePendingCreate, StatePendingCancel},
		{StatePendingCreate, StateCanceled},
		{StatePendingCreate, StateFailed},

		{StateOpen, StatePartiallyFilled},
		{StateOpen, StateFilled},
		{StateOpen, StatePendingCancel},
		{StateOpen, StateCanceled},
		{StateOpen, StateFailed},

		// 有成交后不能回到 OPEN
		{StatePartiallyFilled, StateFilled},
		{StatePartiallyFilled, StatePendingCancel},
		{StatePartiallyFilled, StateCanceled},
		{StatePartiallyFilled, StateFailed},

		// 撤单途中仍可能成交
		{StatePendingCancel, StateCanceled},
		{StatePendingCancel, StateFilled},
		{StatePendingCancel, StatePartiallyFilled},
		{StatePendingCancel, StateFailed},

		// 终态不能转换（FILLED, CANCELED, FAILED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法；相同状态视为幂等，返回 nil。
func (sm *StateMachine) ValidateTransition(from, to State) error {
	if from == to {
		return nil
	}
	if !sm.transitions[Transition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}
	return nil
}

// CanTransition 是否为合法且真正改变状态的转换。
func (sm *StateMachine) CanTransition(from, to State) bool {
	return from != to && sm.transitions[Transition{From: from, To: to}]
}

// AllowedTransitions 返回当前状态所有合法的目标状态（有序）
func (sm *StateMachine) AllowedTransitions(current State) []State {
	allowed := make([]State, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	return allowed
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(s State) bool {
	switch s {
	case StatePendingCreate, StateOpen, StatePartiallyFilled:
		return true
	default:
		return false
	}
}
