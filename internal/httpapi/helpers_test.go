package httpapi

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadJSONEmptyBodySentinel(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/settings/email/test", nil)
	var out struct{}
	if err := readJSON(r, &out); !errors.Is(err, errEmptyBody) {
		t.Fatalf("空请求体应返回 errEmptyBody，实际 %v", err)
	}

	r = httptest.NewRequest("POST", "/api/v1/settings/email/test", strings.NewReader("{broken"))
	if err := readJSON(r, &out); err == nil || errors.Is(err, errEmptyBody) {
		t.Fatalf("非法 JSON 不应被当成空请求体: %v", err)
	}

	r = httptest.NewRequest("POST", "/api/v1/settings/email/test", strings.NewReader(`{"email":"a@b.c"}`))
	var payload struct {
		Email string `json:"email"`
	}
	if err := readJSON(r, &payload); err != nil || payload.Email != "a@b.c" {
		t.Fatalf("正常请求体解析失败: %v %+v", err, payload)
	}
}

func TestParseID(t *testing.T) {
	if _, err := parseID(""); err == nil {
		t.Fatal("空 id 应报错")
	}
	if _, err := parseID("-3"); err == nil {
		t.Fatal("非正数 id 应报错")
	}
	id, err := parseID(" 42 ")
	if err != nil || id != 42 {
		t.Fatalf("合法 id 解析失败: %v %d", err, id)
	}
}
