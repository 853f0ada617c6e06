package sqlitestore

import (
	"encoding/json"
	"hash/fnv"
	"net/http"
)

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// embedJSON builds a fake OpenAI-compatible embeddings response where each
// input's vector is derived deterministically from its content hash, so
// identical strings produce identical vectors and distinct strings produce
// (almost certainly) distinct ones.
func embedJSON(inputs []string, dim int) []byte {
	type item struct {
		Embedding []float32 `json:"embedding"`
	}
	type resp struct {
		Data []item `json:"data"`
	}
	var r resp
	for _, in := range inputs {
		h := fnv.New64a()
		_, _ = h.Write([]byte(in))
		seed := h.Sum64()
		vec := make([]float32, dim)
		for i := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] = float32(int32(seed>>32)) / float32(1<<31)
		}
		r.Data = append(r.Data, item{Embedding: vec})
	}
	b, _ := json.Marshal(r)
	return b
}
