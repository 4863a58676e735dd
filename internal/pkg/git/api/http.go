package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// LookupFunc 按名称查询分支或标签
type LookupFunc func(ctx context.Context, repo, name string) (*RefInfo, error)

// ResolveRef 短名同时查询分支与标签, 两者都存在视为歧义
func ResolveRef(ctx context.Context, repo, ref string, branch, tag LookupFunc) (*RefInfo, error) {
	name, isTag, explicit := SplitRef(ref)
	if explicit {
		if isTag {
			return tag(ctx, repo, name)
		}
		return branch(ctx, repo, name)
	}

	b, err := branch(ctx, repo, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	t, err := tag(ctx, repo, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	switch {
	case b != nil && t != nil:
		return nil, ErrAmbiguousRef
	case b != nil:
		return b, nil
	case t != nil:
		return t, nil
	}
	return nil, ErrNotFound
}

// Do 发送请求, 404 映射为 ErrNotFound
func Do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("请求失败 (状态码: %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// DoJSON 发送请求并解析 JSON
func DoJSON(client *http.Client, req *http.Request, out any) error {
	body, err := Do(client, req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
