package handlers

import (
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/damacus/drive-index/internal/logging"
	"github.com/damacus/drive-index/internal/middleware"
	"github.com/damacus/drive-index/internal/models"
	"github.com/damacus/drive-index/internal/services"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// IndexServices are the collaborators behind the index API.
type IndexServices struct {
	Paths      *services.PathService
	Protection *services.ProtectionService
	Lister     *services.ListService
	Tokens     *services.TokenService
	Streams    *services.StreamService
	Crypto     *services.CryptoService
}

// IndexHandler serves the browse, unlock and download API.
type IndexHandler struct {
	svc IndexServices
	// downloadLimit redirects larger downloads to the store's own link.
	downloadLimit int64
	logger        *zap.Logger
}

func NewIndexHandler(svc IndexServices, downloadLimit int64, logger *zap.Logger) *IndexHandler {
	return &IndexHandler{svc: svc, downloadLimit: downloadLimit, logger: logging.Or(logger)}
}

// ResolveResponse is the body of GET /api/resolve.
type ResolveResponse struct {
	Path       models.ResolvedPath    `json:"path"`
	Protection models.ProtectionState `json:"protection"`
}

// unlockRequest is the body of POST /api/unlock.
type unlockRequest struct {
	Path     string `json:"path"`
	Password string `json:"password"`
}

// UnlockResponse reports which container the password opened.
type UnlockResponse struct {
	ContainerPath string `json:"containerPath"`
	Unlocked      bool   `json:"unlocked"`
}

// tokenRequest is the body of POST /api/token.
type tokenRequest struct {
	ObjectRef string `json:"objectRef"`
	Path      string `json:"path"`
	TTL       string `json:"ttl,omitempty"`
}

// CSRFToken returns the token unsafe requests must echo back.
func (h *IndexHandler) CSRFToken(c echo.Context) error {
	token, _ := c.Get("csrf").(string)
	return respond(c, http.StatusOK, map[string]string{"token": token})
}

// Resolve maps ?path= to its opaque chain and protection state. Ids below a
// locked container are withheld.
func (h *IndexHandler) Resolve(c echo.Context) error {
	raw, err := requireParam(c, "path")
	if err != nil {
		return err
	}
	res, state, err := h.evaluate(c, raw)
	if err != nil {
		return err
	}

	path, err := res.Public(h.svc.Crypto)
	if err != nil {
		return err
	}
	if state.Protected() && !state.Unlocked {
		for i := *state.ProtectedContainerIndex + 1; i < len(path); i++ {
			path[i].EncodedID = ""
		}
	}
	return respond(c, http.StatusOK, ResolveResponse{Path: path, Protection: state})
}

// List returns the visible children of the folder at ?path=.
func (h *IndexHandler) List(c echo.Context) error {
	res, state, err := h.evaluate(c, c.QueryParam("path"))
	if err != nil {
		return err
	}
	if err := requireUnlocked(state); err != nil {
		return err
	}

	listing, err := h.svc.Lister.List(c.Request().Context(), res)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, listing)
}

// Unlock checks a password against the marker governing path and adds it to
// the unlock cookie.
func (h *IndexHandler) Unlock(c echo.Context) error {
	var req unlockRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Password == "" {
		return &services.IndexError{
			Err:     services.ErrBadRequest,
			Code:    "MISSING_PASSWORD",
			Message: "password is required",
			Reason:  "password",
		}
	}

	ctx := c.Request().Context()
	res, err := h.svc.Paths.Resolve(ctx, parsePath(req.Path))
	if err != nil {
		return err
	}

	containerPath, err := h.svc.Protection.Unlock(ctx, res, req.Password)
	if err != nil {
		return err
	}

	creds := services.Credentials{}
	for k, v := range middleware.CredentialsFrom(c) {
		creds[k] = v
	}
	creds[containerPath] = req.Password

	sealed, err := h.svc.Crypto.SealJSON(creds)
	if err != nil {
		return err
	}
	c.SetCookie(middleware.UnlockCookie(c, sealed))

	h.log(c).Info("container unlocked", zap.String("container", containerPath))
	return respond(c, http.StatusOK, UnlockResponse{ContainerPath: containerPath, Unlocked: true})
}

// Lock forgets every submitted password.
func (h *IndexHandler) Lock(c echo.Context) error {
	c.SetCookie(middleware.ExpiredUnlockCookie())
	return c.NoContent(http.StatusNoContent)
}

// IssueToken grants a download token for objectRef when path resolves to
// that object and is unlocked for the caller.
func (h *IndexHandler) IssueToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.ObjectRef == "" {
		return &services.IndexError{
			Err:     services.ErrBadRequest,
			Code:    "MISSING_PARAMETER",
			Message: "objectRef is required",
			Reason:  "objectRef",
		}
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			return &services.IndexError{
				Err:     services.ErrBadRequest,
				Code:    "INVALID_TTL",
				Message: "ttl must be a positive duration",
				Reason:  req.TTL,
			}
		}
		ttl = d
	}

	id, err := h.decodeRef(req.ObjectRef)
	if err != nil {
		return err
	}
	if err := h.authorizePath(c, id, req.Path); err != nil {
		return err
	}

	token, err := h.svc.Tokens.Issue(id, ttl)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, token)
}

// Download serves a whole object as an attachment, or redirects to the
// store's own link when it is over the download limit.
func (h *IndexHandler) Download(c echo.Context) error {
	return h.serve(c, true)
}

// Stream serves one window of an object for in-browser playback. ?full=1
// serves from the range start to the end.
func (h *IndexHandler) Stream(c echo.Context) error {
	return h.serve(c, false)
}

func (h *IndexHandler) serve(c echo.Context, attachment bool) error {
	id, err := h.decodeRef(c.Param("ref"))
	if err != nil {
		return err
	}
	if err := h.authorize(c, id); err != nil {
		return err
	}

	req := services.StreamRequest{
		ObjectID:    id,
		RangeHeader: c.Request().Header.Get(headerRange),
		LoadFull:    attachment || isTruthy(c.QueryParam("full")),
	}
	if attachment {
		req.SizeLimit = h.downloadLimit
	}

	st, err := h.svc.Streams.Open(c.Request().Context(), req)
	if err != nil {
		return err
	}
	if st.Redirect != "" {
		return c.Redirect(http.StatusFound, st.Redirect)
	}
	return h.relay(c, st, attachment)
}

// relay writes headers and copies the body. Once headers are out, a failed
// copy aborts the connection so the client never sees a short success.
func (h *IndexHandler) relay(c echo.Context, st *services.Stream, attachment bool) error {
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, st.ContentType)
	header.Set("Accept-Ranges", "bytes")
	header.Set("Cache-Control", "private, no-store")

	disposition := "inline"
	if attachment {
		disposition = "attachment"
	}
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": st.Name}); v != "" {
		header.Set(echo.HeaderContentDisposition, v)
	}

	length := int64(0)
	if st.HasRange {
		header.Set(headerContentRange, st.Range.ContentRange())
		length = st.Range.Length()
	}
	header.Set(echo.HeaderContentLength, strconv.FormatInt(length, 10))

	c.Response().WriteHeader(st.Status)
	if c.Request().Method == http.MethodHead {
		return st.Body.Close()
	}

	if _, err := h.svc.Streams.Relay(c.Response(), st); err != nil {
		h.log(c).Warn("aborting stream", zap.Error(err))
		panic(http.ErrAbortHandler)
	}
	return nil
}

// authorize accepts a download token bound to id, or a path that resolves
// to id and is unlocked for the caller.
func (h *IndexHandler) authorize(c echo.Context, id string) error {
	if token := c.QueryParam("token"); token != "" {
		return h.svc.Tokens.ValidateFor(token, id)
	}
	if path := c.QueryParam("path"); path != "" {
		return h.authorizePath(c, id, path)
	}
	return &services.IndexError{
		Err:     services.ErrUnauthorized,
		Code:    "TOKEN_REQUIRED",
		Message: "a download token or path is required",
	}
}

func (h *IndexHandler) authorizePath(c echo.Context, id, rawPath string) error {
	res, state, err := h.evaluate(c, rawPath)
	if err != nil {
		return err
	}
	if res.LeafID() != id {
		return &services.IndexError{
			Err:     services.ErrBadRequest,
			Code:    "PATH_MISMATCH",
			Message: "path does not lead to the requested object",
		}
	}
	return requireUnlocked(state)
}

// evaluate resolves rawPath and evaluates its protection against the unlock
// cookie.
func (h *IndexHandler) evaluate(c echo.Context, rawPath string) (*services.Resolution, models.ProtectionState, error) {
	ctx := c.Request().Context()
	res, err := h.svc.Paths.Resolve(ctx, parsePath(rawPath))
	if err != nil {
		return nil, models.ProtectionState{}, err
	}
	state, _, err := h.svc.Protection.Evaluate(ctx, res, middleware.CredentialsFrom(c))
	if err != nil {
		return nil, models.ProtectionState{}, err
	}
	return res, state, nil
}

func (h *IndexHandler) decodeRef(ref string) (string, error) {
	id, err := h.svc.Crypto.Decrypt(ref)
	if err != nil || id == "" {
		return "", &services.IndexError{
			Err:     services.ErrBadRequest,
			Code:    "INVALID_REF",
			Message: "object reference is not valid",
		}
	}
	return id, nil
}

func requireUnlocked(state models.ProtectionState) error {
	if !state.Protected() || state.Unlocked {
		return nil
	}
	return &services.IndexError{
		Err:     services.ErrPasswordRequired,
		Code:    "PASSWORD_REQUIRED",
		Message: "this folder is password protected",
		Reason:  state.ContainerPath,
		Details: state,
	}
}

func (h *IndexHandler) log(c echo.Context) *zap.Logger {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return h.logger.With(zap.String("request_id", id))
	}
	return h.logger
}

func isTruthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
