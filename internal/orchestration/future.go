package orchestration

import "context"

// Future - результат операции, запущенной через Dispatch.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Dispatch запускает операцию в отдельной горутине. Операция отвязана от отмены ctx:
// начавшись, она доходит до конца, а хранилища обновляются независимо от того, ждет ли ее кто-то.
func Dispatch[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	detached := context.WithoutCancel(ctx)
	go func() {
		defer close(f.done)
		f.value, f.err = fn(detached)
	}()
	return f
}

// Done закрывается по завершении операции.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait ждет завершения или отмены ctx. Отмена ожидания не отменяет саму операцию.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result блокируется до завершения операции.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}
