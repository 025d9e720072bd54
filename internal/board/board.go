// Package board maintains the ordering of columns within a project and of
// tasks within a column.
//
// Positions are integers assigned as max+1 within their scope and are never
// compacted: removing or moving an item leaves a gap, and only the relative
// order inside a scope is meaningful. The read-max-then-write step always runs
// inside a transaction that first locks the parent row, so concurrent appends
// to the same scope cannot compute the same position. On sqlite the database
// opens every transaction as IMMEDIATE, which serialises writers instead.
package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chxlky/orba/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("already exists")
	ErrLastColumn = errors.New("cannot delete the last column of a project")
)

// DefaultColumns are created, in order, with every new project.
var DefaultColumns = []struct {
	Title string
	Color string
}{
	{"To Do", "#64748b"},
	{"In Progress", "#3b82f6"},
	{"Done", "#22c55e"},
}

type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CreateProject inserts p together with the default columns at positions 0, 1 and 2.
func (s *Service) CreateProject(ctx context.Context, p *models.Project) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(p).Error; err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		p.Columns = make([]models.Column, 0, len(DefaultColumns))
		for i, d := range DefaultColumns {
			col := models.Column{Title: d.Title, Color: d.Color, Position: i, ProjectID: p.ID}
			if err := tx.Omit(clause.Associations).Create(&col).Error; err != nil {
				return fmt.Errorf("create default column %q: %w", d.Title, err)
			}
			p.Columns = append(p.Columns, col)
		}
		return nil
	}))
}

// DeleteProject removes the project with its columns, tasks, task children and members.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taskIDs := tx.Model(&models.Task{}).Select("id").Where("project_id = ?", projectID)
		if err := deleteTaskChildren(tx, taskIDs); err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.Task{}).Error; err != nil {
			return fmt.Errorf("delete tasks: %w", err)
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.Column{}).Error; err != nil {
			return fmt.Errorf("delete columns: %w", err)
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.ProjectMember{}).Error; err != nil {
			return fmt.Errorf("delete members: %w", err)
		}
		res := tx.Where("id = ?", projectID).Delete(&models.Project{})
		if res.Error != nil {
			return fmt.Errorf("delete project: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	}))
}

// AppendColumn adds a column after every existing column of the project.
func (s *Service) AppendColumn(ctx context.Context, projectID, title, color string) (*models.Column, error) {
	col := &models.Column{Title: title, Color: color, ProjectID: projectID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockRow(tx, &models.Project{}, projectID); err != nil {
			return err
		}
		pos, err := nextPosition(tx.Model(&models.Column{}).Where("project_id = ?", projectID))
		if err != nil {
			return err
		}
		col.Position = pos
		if err := tx.Omit(clause.Associations).Create(col).Error; err != nil {
			return fmt.Errorf("create column: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return col, nil
}

// ColumnUpdate carries optional column changes; nil fields are left alone.
type ColumnUpdate struct {
	Title *string
	Color *string
}

func (s *Service) UpdateColumn(ctx context.Context, projectID, columnID string, upd ColumnUpdate) (*models.Column, error) {
	var col models.Column
	db := s.db.WithContext(ctx)
	if err := db.Where("id = ? AND project_id = ?", columnID, projectID).First(&col).Error; err != nil {
		return nil, translate(err)
	}
	changes := map[string]any{}
	if upd.Title != nil {
		changes["title"] = *upd.Title
		col.Title = *upd.Title
	}
	if upd.Color != nil {
		changes["color"] = *upd.Color
		col.Color = *upd.Color
	}
	if len(changes) > 0 {
		if err := db.Model(&col).Updates(changes).Error; err != nil {
			return nil, translate(err)
		}
	}
	return &col, nil
}

// DeleteColumn removes a column and every task in it. The last remaining
// column of a project cannot be deleted.
func (s *Service) DeleteColumn(ctx context.Context, projectID, columnID string) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockRow(tx, &models.Project{}, projectID); err != nil {
			return err
		}
		var col models.Column
		if err := tx.Where("id = ? AND project_id = ?", columnID, projectID).First(&col).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&models.Column{}).Where("project_id = ?", projectID).Count(&count).Error; err != nil {
			return fmt.Errorf("count columns: %w", err)
		}
		if count <= 1 {
			return ErrLastColumn
		}

		taskIDs := tx.Model(&models.Task{}).Select("id").Where("column_id = ?", columnID)
		if err := deleteTaskChildren(tx, taskIDs); err != nil {
			return err
		}
		if err := tx.Where("column_id = ?", columnID).Delete(&models.Task{}).Error; err != nil {
			return fmt.Errorf("delete column tasks: %w", err)
		}
		if err := tx.Delete(&col).Error; err != nil {
			return fmt.Errorf("delete column: %w", err)
		}
		return nil
	}))
}

// Columns returns the project's columns left to right, each with its tasks in order.
func (s *Service) Columns(ctx context.Context, projectID string) ([]models.Column, error) {
	var cols []models.Column
	err := s.db.WithContext(ctx).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, created_at ASC")
		}).
		Where("project_id = ?", projectID).
		Order("position ASC").
		Find(&cols).Error
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	for i := range cols {
		if cols[i].Tasks == nil {
			cols[i].Tasks = []models.Task{}
		}
	}
	return cols, nil
}

// Tasks returns every task of the project in board order.
func (s *Service) Tasks(ctx context.Context, projectID string) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("position ASC, created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// CreateTask appends t to the end of its column. A nil ColumnID places the
// task in the project's first column.
func (s *Service) CreateTask(ctx context.Context, t *models.Task) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var col models.Column
		q := tx.Where("project_id = ?", t.ProjectID)
		if t.ColumnID != nil {
			q = q.Where("id = ?", *t.ColumnID)
		}
		if err := q.Order("position ASC").First(&col).Error; err != nil {
			return err
		}
		if err := lockRow(tx, &models.Column{}, col.ID); err != nil {
			return err
		}
		pos, err := nextPosition(tx.Model(&models.Task{}).Where("project_id = ? AND column_id = ?", t.ProjectID, col.ID))
		if err != nil {
			return err
		}
		t.ColumnID = &col.ID
		t.Position = pos
		if t.Labels == nil {
			t.Labels = []string{}
		}
		if err := tx.Omit(clause.Associations).Create(t).Error; err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		return nil
	}))
}

// MoveTask places the task at the end of columnID. The source column is not
// renumbered. Moving a task to the column it is already in changes nothing.
func (s *Service) MoveTask(ctx context.Context, t *models.Task, columnID string) error {
	if t.ColumnID != nil && *t.ColumnID == columnID {
		return nil
	}
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dest models.Column
		if err := tx.Where("id = ? AND project_id = ?", columnID, t.ProjectID).First(&dest).Error; err != nil {
			return err
		}
		if err := lockRow(tx, &models.Column{}, dest.ID); err != nil {
			return err
		}
		pos, err := nextPosition(tx.Model(&models.Task{}).Where("project_id = ? AND column_id = ?", t.ProjectID, dest.ID))
		if err != nil {
			return err
		}
		if err := tx.Model(t).Updates(map[string]any{"column_id": dest.ID, "position": pos}).Error; err != nil {
			return fmt.Errorf("move task: %w", err)
		}
		t.ColumnID = &dest.ID
		t.Position = pos
		return nil
	}))
}

// DeleteTask removes a task together with its comments and attachments.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteTaskChildren(tx, []string{taskID}); err != nil {
			return err
		}
		res := tx.Where("id = ?", taskID).Delete(&models.Task{})
		if res.Error != nil {
			return fmt.Errorf("delete task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	}))
}

func deleteTaskChildren(tx *gorm.DB, taskIDs any) error {
	if err := tx.Where("task_id IN (?)", taskIDs).Delete(&models.Comment{}).Error; err != nil {
		return fmt.Errorf("delete comments: %w", err)
	}
	if err := tx.Where("task_id IN (?)", taskIDs).Delete(&models.Attachment{}).Error; err != nil {
		return fmt.Errorf("delete attachments: %w", err)
	}
	return nil
}

// lockRow takes a row lock on the scope parent. sqlite drops the FOR UPDATE
// clause and relies on immediate transactions instead.
func lockRow(tx *gorm.DB, model any, id string) error {
	return tx.Model(model).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Where("id = ?", id).
		Take(model).Error
}

// nextPosition returns max(position)+1 over the scoped query, or 1 when empty.
func nextPosition(scope *gorm.DB) (int, error) {
	var max sql.NullInt64
	if err := scope.Select("MAX(position)").Row().Scan(&max); err != nil {
		return 0, fmt.Errorf("read max position: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	}
	return err
}
