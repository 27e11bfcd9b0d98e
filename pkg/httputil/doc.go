// Package httputil provides the JSON response helpers, request parsing and
// common middleware used by every HTTP handler.
//
// Service errors carry an apperr kind; WriteServiceError maps it to a status:
//
//	validation, state conflict  400
//	forbidden                   403
//	not found                   404
//	anything else               500, with a generic message
//
// Handlers parse input and delegate:
//
//	var req ReplaceRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//	res, err := svc.ReplaceForRole(r.Context(), p, req)
//	if err != nil {
//		httputil.WriteServiceError(w, err)
//		return
//	}
//	httputil.WriteSuccess(w, res)
package httputil
