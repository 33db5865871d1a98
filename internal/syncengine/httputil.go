package syncengine

import (
	"io"
	"net/http"
)

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(resp.Body)
}
