package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/example/shopchat/internal/config"
)

// 对运行中的前台 / 后台服务跑一遍聊天相关接口
func main() {
	cfg := config.MustLoad("./config")
	baseURL := flag.String("web", "http://localhost:8080", "storefront base url")
	adminURL := flag.String("admin", "http://localhost:8081", "admin base url")
	email := flag.String("email", "smoke@example.com", "customer email")
	flag.Parse()

	jar, _ := cookiejar.New(nil)
	c := &client{http: &http.Client{Timeout: 5 * time.Second, Jar: jar}}

	fmt.Println("==========================================")
	fmt.Println("    聊天接口冒烟测试")
	fmt.Println("==========================================")

	step("1. 注册客户", func() (interface{}, error) {
		return c.post(*baseURL+"/api/register", map[string]string{"email": *email, "password": "smoke"}, "", "")
	})

	var token string
	step("2. 客户登录", func() (interface{}, error) {
		resp, err := c.post(*baseURL+"/api/login", map[string]string{"email": *email, "password": "smoke"}, "", "")
		if err == nil {
			token = dataString(resp, "token")
		}
		return resp, err
	})
	if token == "" {
		return
	}

	step("3. 未读数", func() (interface{}, error) { return c.get(*baseURL+"/api/chat/unread", token) })
	step("4. 历史消息（同时标记已读）", func() (interface{}, error) { return c.get(*baseURL+"/api/chat/history", token) })

	var adminToken string
	step("5. 管理员登录", func() (interface{}, error) {
		resp, err := c.post(*adminURL+"/api/login", map[string]string{"email": cfg.Admin.Email, "password": cfg.Admin.Password}, "", "")
		if err == nil {
			adminToken = dataString(resp, "token")
		}
		return resp, err
	})
	if adminToken == "" {
		return
	}

	step("6. 会话列表", func() (interface{}, error) { return c.get(*adminURL+"/api/chat/conversations", adminToken) })
	step("7. 监控信息", func() (interface{}, error) { return c.get(*adminURL+"/api/monitor", adminToken) })

	var csrf string
	step("8. 获取 CSRF 令牌", func() (interface{}, error) {
		resp, err := c.get(*adminURL+"/api/chat/csrf", adminToken)
		if err == nil {
			csrf = dataString(resp, "token")
		}
		return resp, err
	})
	step("9. 删除冒烟客户的会话", func() (interface{}, error) {
		return c.post(*adminURL+"/api/chat/conversations/"+*email+"/delete", nil, adminToken, csrf)
	})

	fmt.Println("\n==========================================")
	fmt.Println("测试完成！")
	fmt.Println("==========================================")
}

func step(name string, fn func() (interface{}, error)) {
	fmt.Printf("\n%s...\n", name)
	resp, err := fn()
	if err != nil {
		fmt.Printf("   失败: %v\n", err)
		return
	}
	fmt.Printf("   成功: %v\n", resp)
}

func dataString(resp map[string]interface{}, key string) string {
	data, _ := resp["data"].(map[string]interface{})
	v, _ := data[key].(string)
	return v
}

type client struct {
	http *http.Client
}

func (c *client) get(url, token string) (map[string]interface{}, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, token, "")
}

func (c *client) post(url string, body interface{}, token, csrf string) (map[string]interface{}, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	return c.do(req, token, csrf)
}

func (c *client) do(req *http.Request, token, csrf string) (map[string]interface{}, error) {
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("status %d: %v", resp.StatusCode, out["msg"])
	}
	return out, nil
}
