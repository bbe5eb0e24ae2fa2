package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/storyteller/internal/common"
	"github.com/suPer8Hu/storyteller/internal/storage"
)

// ServeMedia streams a local-backend object for /media/{bucket}/{key}
// when the token query parameter was signed for exactly that object.
func (h *Handler) ServeMedia(c *gin.Context) {
	if h.Media == nil {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
		return
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(c.Param("path"), "/"), "/")
	if bucket != h.Media.Bucket() || key == "" {
		common.Fail(c, http.StatusNotFound, 40402, "object not found")
		return
	}

	f, err := h.Media.Open(key, c.Query("token"))
	switch {
	case errors.Is(err, storage.ErrInvalidToken):
		common.Fail(c, http.StatusForbidden, 40301, "invalid or expired token")
		return
	case errors.Is(err, storage.ErrInvalidKey):
		common.Fail(c, http.StatusBadRequest, 10003, "invalid object key")
		return
	case errors.Is(err, fs.ErrNotExist):
		common.Fail(c, http.StatusNotFound, 40402, "object not found")
		return
	case err != nil:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	c.Header("Cache-Control", "private, max-age=300")
	http.ServeContent(c.Writer, c.Request, path.Base(key), info.ModTime(), f)
}
