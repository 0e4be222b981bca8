package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("记录不存在")

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// BaseRepository 所有仓储共有的能力
type BaseRepository interface {
	GetDB() *gorm.DB
}

// Pagination 分页参数，Total 由查询回填
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// NewPagination 页码从1开始，每页条数限制在 [1, 100]
func NewPagination(page, pageSize int) *Pagination {
	p := &Pagination{Page: page, PageSize: pageSize}
	if p.Page < 1 {
		p.Page = 1
	}
	switch {
	case p.PageSize < 1:
		p.PageSize = defaultPageSize
	case p.PageSize > maxPageSize:
		p.PageSize = maxPageSize
	}
	return p
}

// Offset 当前页第一条的偏移
func (p *Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Paginate gorm scope
func Paginate(p *Pagination) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(p.Offset()).Limit(p.PageSize)
	}
}

// BaseRepo 持有连接，供具体仓储嵌入
type BaseRepo struct {
	db *gorm.DB
}

// NewBaseRepo 创建基础仓储
func NewBaseRepo(db *gorm.DB) *BaseRepo {
	return &BaseRepo{db: db}
}

// GetDB 获取数据库实例
func (r *BaseRepo) GetDB() *gorm.DB {
	return r.db
}

// Transaction 在同一事务内执行 fn，fn 返回错误时回滚
func (r *BaseRepo) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// translateError gorm.ErrRecordNotFound 统一为 ErrNotFound
func translateError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
