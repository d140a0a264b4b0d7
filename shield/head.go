package shield

import "net/http"

// HeadToGet rewrites HEAD requests to GET before routing. The admin API
// registers its read endpoints with r.Get() only; without the rewrite a
// HEAD probe against them would 405. net/http drops the body from HEAD
// responses on its own.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
