package dto

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// PageQuery 分页参数, page 从 1 开始
type PageQuery struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size"`
}

func (p *PageQuery) GetPage() int {
	return max(p.Page, 1)
}

// GetPageSize 未传时取默认值, 超过上限时截断
func (p *PageQuery) GetPageSize() int {
	if p.PageSize < 1 {
		return defaultPageSize
	}
	return min(p.PageSize, maxPageSize)
}

// IDParam 路径中的资源 ID
type IDParam struct {
	ID int64 `uri:"id" binding:"required,min=1"`
}

// PageResponse 分页响应
type PageResponse[T any] struct {
	Items    []T   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

func NewPageResponse[T any](items []T, total int64, query PageQuery) *PageResponse[T] {
	if items == nil {
		items = []T{}
	}
	return &PageResponse[T]{Items: items, Total: total, Page: query.GetPage(), PageSize: query.GetPageSize()}
}
