package servers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/docmigrate/docmigrate/src/consts"
	"github.com/docmigrate/docmigrate/src/instance"
	"github.com/docmigrate/docmigrate/src/schema"
)

type commonResp struct {
	ErrNo  int    `json:"err_no"`
	ErrMsg string `json:"err_msg"`
	Data   any    `json:"data"`
}

func writeJSON(writer http.ResponseWriter, data any) {
	writeJsonWithStatusCode(writer, http.StatusOK, data)
}

func writeJsonWithStatusCode(writer http.ResponseWriter, code int, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	_, _ = writer.Write(b)
}

func getAppInfo(writer http.ResponseWriter, r *http.Request) {
	writeJSON(writer, consts.GetAppInfo())
}

// schemaVersionResp schema 版本行的只读视图
type schemaVersionResp struct {
	ID     string `json:"id"`
	Semver string `json:"semver"`
	Lock   string `json:"lock"`
	Locked bool   `json:"locked"`
}

func getSchemaVersion(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	vars := mux.Vars(r)

	row, err := inst.Versions.GetByID(r.Context(), vars["id"])
	if errors.Is(err, schema.ErrNotFound) {
		writeJsonWithStatusCode(writer, http.StatusNotFound, commonResp{
			ErrNo:  http.StatusNotFound,
			ErrMsg: fmt.Sprintf("schema id: %s can not find", vars["id"]),
		})
		return
	}
	if err != nil {
		writeJsonWithStatusCode(writer, http.StatusInternalServerError, commonResp{
			ErrNo:  http.StatusInternalServerError,
			ErrMsg: err.Error(),
		})
		return
	}

	writeJSON(writer, schemaVersionResp{
		ID:     row.ID,
		Semver: row.Semver,
		Lock:   row.Lock,
		Locked: row.Locked(),
	})
}
