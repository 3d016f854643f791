package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
)

// 幂等记录保留窗口，过期记录允许重新执行副作用
const idempotencyTTL = 24 * time.Hour

// TaskRepository 任务数据访问
// 引擎视角下的任务存储参考实现，所有读写都以 user_id 为条件
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository 创建任务仓库
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// CreateTask 创建任务
func (r *TaskRepository) CreateTask(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return classifyWriteError("create task", err)
	}
	return nil
}

// CreateTaskIdempotent 在同一事务内检查幂等键并创建任务
// 键命中且未过期时回放存量结果，任务行不再二次写入
func (r *TaskRepository) CreateTaskIdempotent(ctx context.Context, key string, task *model.Task) (*model.Task, bool, error) {
	var (
		result   = task
		replayed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec model.IdempotencyRecord
		err := tx.Where("user_id = ? AND key = ?", task.UserID, key).First(&rec).Error
		switch {
		case err == nil && rec.ExpiresAt.After(time.Now()):
			var stored model.Task
			if uerr := json.Unmarshal(rec.Result, &stored); uerr != nil {
				return uerr
			}
			result = &stored
			replayed = true
			return nil
		case err == nil:
			// 过期记录：清除后重新执行
			if derr := tx.Delete(&model.IdempotencyRecord{}, "id = ?", rec.ID).Error; derr != nil {
				return derr
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := tx.Create(task).Error; err != nil {
			return err
		}
		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Create(&model.IdempotencyRecord{
			ID:        uuid.New().String(),
			UserID:    task.UserID,
			Key:       key,
			ToolName:  "add_task",
			TaskID:    task.ID,
			Result:    datatypes.JSON(payload),
			ExpiresAt: time.Now().Add(idempotencyTTL),
		}).Error
	})
	if err != nil {
		return nil, false, classifyWriteError("create task idempotent", err)
	}
	return result, replayed, nil
}

// ListTasks 按过滤条件列出用户任务
func (r *TaskRepository) ListTasks(ctx context.Context, userID string, filter model.TaskFilter) ([]*model.Task, error) {
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)

	if filter.Status != "" && filter.Status != "all" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Priority != "" {
		query = query.Where("priority = ?", filter.Priority)
	}
	if filter.DueWithin != "" {
		start, end, ok := dueWindow(filter.DueWithin, time.Now())
		if ok {
			query = query.Where("due_date >= ? AND due_date < ?", start, end)
		}
	}

	var tasks []*model.Task
	if err := query.Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, classifyWriteError("list tasks", err)
	}
	return tasks, nil
}

// FindTasksByIdentifier 按标识定位任务
// 匹配顺序：精确 ID → 精确标题（忽略大小写）→ 标题部分匹配
func (r *TaskRepository) FindTasksByIdentifier(ctx context.Context, userID, identifier string) ([]*model.Task, error) {
	ident := strings.TrimSpace(identifier)
	if ident == "" {
		return nil, nil
	}

	var byID model.Task
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", ident, userID).First(&byID).Error
	if err == nil {
		return []*model.Task{&byID}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, classifyWriteError("find task by id", err)
	}

	var matches []*model.Task
	err = r.db.WithContext(ctx).
		Where("user_id = ? AND LOWER(title) LIKE ?", userID, "%"+strings.ToLower(ident)+"%").
		Order("created_at ASC").
		Find(&matches).Error
	if err != nil {
		return nil, classifyWriteError("find task by title", err)
	}

	// 多个部分匹配时，唯一的精确标题匹配优先
	var exact []*model.Task
	for _, t := range matches {
		if strings.EqualFold(t.Title, ident) {
			exact = append(exact, t)
		}
	}
	if len(exact) == 1 {
		return exact, nil
	}
	return matches, nil
}

// UpdateTask 更新任务，范围限定在该用户名下
func (r *TaskRepository) UpdateTask(ctx context.Context, userID string, task *model.Task) error {
	res := r.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ? AND user_id = ?", task.ID, userID).
		Select("title", "description", "status", "priority", "due_date", "tags", "recurrence_pattern", "completed_at").
		Updates(task)
	if res.Error != nil {
		return classifyWriteError("update task", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteTask 删除任务，范围限定在该用户名下
func (r *TaskRepository) DeleteTask(ctx context.Context, userID, taskID string) error {
	res := r.db.WithContext(ctx).Delete(&model.Task{}, "id = ? AND user_id = ?", taskID, userID)
	if res.Error != nil {
		return classifyWriteError("delete task", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// dueWindow 把到期时间关键字换算成 [start, end) 查询窗口
// 周从周一起算，月为自然月
func dueWindow(keyword string, now time.Time) (time.Time, time.Time, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch keyword {
	case "today":
		return today, today.AddDate(0, 0, 1), true
	case "tomorrow":
		return today.AddDate(0, 0, 1), today.AddDate(0, 0, 2), true
	case "this_week":
		offset := (int(today.Weekday()) + 6) % 7 // Monday = 0
		start := today.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), true
	case "this_month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return start, start.AddDate(0, 1, 0), true
	default:
		day, err := time.ParseInLocation("2006-01-02", keyword, now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return day, day.AddDate(0, 0, 1), true
	}
}
