package rate

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"
)

// DeriveKey 按评估器名 + 端点 + sha256(token) 构造限流分组键。
// token 取自 tokenEnv 指向的环境变量（可为空）；端点缺失时返回错误。
func DeriveKey(evaluator, endpoint, tokenEnv string) (LimitKey, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("rate: missing endpoint for evaluator %s", evaluator)
	}
	token := ""
	if tokenEnv != "" {
		token = os.Getenv(tokenEnv)
	}
	sum := sha256.Sum256([]byte(endpoint + "\x00" + token))
	return LimitKey(fmt.Sprintf("%s:%x", evaluator, sum[:8])), nil
}
