package sentiment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

const scoreTemplate = `
你是一个加密货币市场情绪分析师。请根据以下各交易对的近期行情摘要，评估市场参与者的情绪。

行情摘要：
{{ .DigestsJSON }}

评分标准：
- 评分范围 [-1, 1]：-1 代表极端恐慌，0 代表中性，1 代表极端贪婪；
- 结合价格动量、资金费率与成交量综合判断；
- 无明显倾向时返回接近 0 的数值。

请严格输出唯一的 JSON 对象，格式如下：
{
  "scores": [
    {"instrument": "...", "score": -1.0-1.0}
  ]
}
`

var tmpl = template.Must(template.New("sentiment").Parse(scoreTemplate))

type promptContext struct {
	DigestsJSON string
}

// BuildPrompt 将行情摘要渲染成提示词字符串。
func BuildPrompt(digests []Digest) (string, error) {
	digestsJSON, err := json.MarshalIndent(digests, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化行情摘要失败: %w", err)
	}

	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, promptContext{DigestsJSON: string(digestsJSON)}); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}
