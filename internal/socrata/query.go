package socrata

import (
	"net/url"
	"strconv"
)

// OrderByRowID orders results by the Socrata system row identifier, which
// keeps offset paging stable while rows are appended upstream.
const OrderByRowID = ":id"

// Query holds the SoQL parameters of a single page request
type Query struct {
	Where  string
	Order  string
	Limit  int
	Offset int
}

// Values renders the query as SODA URL parameters
func (q Query) Values() url.Values {
	values := url.Values{}
	if q.Where != "" {
		values.Set("$where", q.Where)
	}
	if q.Order != "" {
		values.Set("$order", q.Order)
	}
	if q.Limit > 0 {
		values.Set("$limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("$offset", strconv.Itoa(q.Offset))
	}
	return values
}
