package models

// Cursor - позиция постраничного вывода: номер страницы (с 1) и ее размер.
type Cursor struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// Range возвращает границы строк [from, to] включительно, считая с нуля.
func (c Cursor) Range() (from, to int) {
	from = (c.Page - 1) * c.PageSize
	to = from + c.PageSize - 1
	return from, to
}

func (c Cursor) Valid() bool {
	return c.Page >= 1 && c.PageSize >= 1
}

// TotalPages считает ceil(total / pageSize). Пустой набор дает одну страницу,
// чтобы инвариант page ∈ [1, totalPages] оставался выполнимым.
func TotalPages(total, pageSize int) int {
	if pageSize < 1 || total <= 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}

// Pager - состояние кнопок навигации списка постов.
type Pager struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"pageSize"`
	TotalCount int  `json:"totalCount"`
	TotalPages int  `json:"totalPages"`
	HasPrev    bool `json:"hasPrev"`
	HasNext    bool `json:"hasNext"`
}

func NewPager(page, pageSize, totalCount int) Pager {
	totalPages := TotalPages(totalCount, pageSize)
	return Pager{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: totalCount,
		TotalPages: totalPages,
		HasPrev:    page > 1,
		HasNext:    page < totalPages,
	}
}

// Clamp возвращает номер страницы, приведенный к [1, TotalPages].
// Нужен после удаления, когда текущая страница может оказаться за концом набора.
func (p Pager) Clamp() int {
	switch {
	case p.Page < 1:
		return 1
	case p.Page > p.TotalPages:
		return p.TotalPages
	default:
		return p.Page
	}
}

func (p Pager) Prev() int {
	if p.Page-1 < 1 {
		return 1
	}
	return p.Page - 1
}

func (p Pager) Next() int {
	if p.Page+1 > p.TotalPages {
		return p.TotalPages
	}
	return p.Page + 1
}
