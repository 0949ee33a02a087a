package durable

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Task — результат durable-вызова, который станет известен позже.
//
// Task создаётся синхронно в горутине оркестрации (там же назначается seq),
// а завершается в фоне. Поэтому несколько Task можно запустить сразу
// и дождаться через WhenAll: порядок seq от этого не зависит.
type Task struct {
	seq    int
	name   string
	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

func newTask(seq int, name string) *Task {
	return &Task{seq: seq, name: name, done: make(chan struct{})}
}

func (t *Task) complete(result json.RawMessage, err error) {
	t.once.Do(func() {
		t.result = result
		t.err = err
		close(t.done)
	})
}

// Done возвращает канал, закрывающийся при завершении.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// IsCompleted возвращает true, если результат уже известен.
func (t *Task) IsCompleted() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Await блокирует до завершения и разбирает результат в out (может быть nil).
func (t *Task) Await(out any) error {
	<-t.done
	if t.err != nil {
		return t.err
	}
	if out == nil || len(t.result) == 0 || string(t.result) == "null" {
		return nil
	}
	if err := json.Unmarshal(t.result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", t.name, err)
	}
	return nil
}

// Err блокирует до завершения и возвращает только ошибку.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// WhenAll ждёт завершения всех задач и возвращает объединённую ошибку.
func WhenAll(tasks ...*Task) error {
	var errs []error
	for _, t := range tasks {
		if err := t.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WhenAny возвращает первую завершившуюся задачу.
//
// Если к моменту вызова завершились несколько, выбирается первая по
// порядку аргументов: так результат одинаков при replay.
func WhenAny(tasks ...*Task) *Task {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		if t.IsCompleted() {
			return t
		}
	}

	winner := make(chan *Task, len(tasks))
	for _, t := range tasks {
		go func(t *Task) {
			<-t.done
			winner <- t
		}(t)
	}
	return <-winner
}
