package tcgcsv

// envelope is the response wrapper shared by every catalog endpoint.
type envelope[T any] struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
	Results []T      `json:"results"`
}

type Category struct {
	CategoryID     int64  `json:"categoryId"`
	Name           string `json:"name"`
	DisplayName    string `json:"displayName"`
	ModifiedOn     string `json:"modifiedOn"`
	PopularityRank int64  `json:"popularity"`
}

type Group struct {
	GroupID      int64  `json:"groupId"`
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation"`
	CategoryID   int64  `json:"categoryId"`
	IsSupplement bool   `json:"isSupplemental"`
	PublishedOn  string `json:"publishedOn"`
	ModifiedOn   string `json:"modifiedOn"`
}

// Price is one price observation for a product within a group.
type Price struct {
	ProductID      int64   `json:"productId"`
	SubTypeName    string  `json:"subTypeName"`
	LowPrice       float64 `json:"lowPrice"`
	MidPrice       float64 `json:"midPrice"`
	HighPrice      float64 `json:"highPrice"`
	MarketPrice    float64 `json:"marketPrice"`
	DirectLowPrice float64 `json:"directLowPrice"`
}
