package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
)

const (
	writeAttempts = 3
	writeBackoff  = 50 * time.Millisecond
)

// withWriteRetry 对写事务做有界重试
// 只重试瞬态故障（连接中断、序号冲突），其余错误立即返回
// 写层之外不再做持久化重试
func withWriteRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryableWrite(err) || attempt == attempts {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
		backoff *= 2
	}
	return err
}

// retryableWrite 判断写错误是否值得重试
// 序号唯一键冲突意味着并发轮次抢占了同一会话，重跑事务会重新计算序号
func retryableWrite(err error) bool {
	if apperr.Retryable(err) {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// classifyWriteError 将底层数据库错误归入持久化错误码
func classifyWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return apperr.Wrap(apperr.CategoryPersistence, apperr.CodeConnectionFailed, op, err)
	}
	return apperr.Wrap(apperr.CategoryPersistence, apperr.CodeTransactionFailed, op, err)
}

// isConnectionError 判断错误是否为连接级瞬态故障
func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}
