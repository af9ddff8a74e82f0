// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package headers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsInvalidValue(t *testing.T) {
	m := New()
	err := m.Add("X-Test", "bad\r\nvalue")
	assert.Error(t, err)
}

func TestAddRejectsInvalidKey(t *testing.T) {
	m := New()
	err := m.Add("X Test", "value")
	assert.Error(t, err)
}

func TestFindCaseInsensitive(t *testing.T) {
	m := New()
	require.NoError(t, m.Add("Content-Type", "text/plain"))

	v, ok := m.Find("content-type")
	assert.True(t, ok)
	assert.Equal(t, "text/plain", v)

	_, ok = m.Find("Missing")
	assert.False(t, ok)
}

func TestFindReturnsFirstMatch(t *testing.T) {
	m := New()
	require.NoError(t, m.Add("X-A", "1"))
	require.NoError(t, m.Add("x-a", "2"))

	v, ok := m.Find("X-A")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestRemove(t *testing.T) {
	m := New()
	require.NoError(t, m.Add("Connection", "close"))
	require.NoError(t, m.Add("Host", "x"))

	assert.True(t, m.Remove("connection"))
	assert.False(t, m.Has("Connection"))
	assert.Equal(t, 1, m.Len())
}

func TestRangeInsertionOrder(t *testing.T) {
	m := New()
	require.NoError(t, m.Add("A", "1"))
	require.NoError(t, m.Add("B", "2"))
	require.NoError(t, m.Add("C", "3"))

	var keys []string
	m.Range(func(k, v string) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []string{"A", "B", "C"}, keys)
}

func TestParseBasic(t *testing.T) {
	raw := "Host: example.test\r\nAccept-Encoding: gzip, deflate\r\n\r\n"
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	v, ok := m.Find("host")
	assert.True(t, ok)
	assert.Equal(t, "example.test", v)
}

func TestParseZeroHeaders(t *testing.T) {
	raw := "\r\n"
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestParseRejectsMalformedLine(t *testing.T) {
	raw := "not-a-header-line\r\n\r\n"
	_, err := Parse([]byte(raw))
	assert.Error(t, err)
}

func TestParseRejectsUnterminated(t *testing.T) {
	raw := "Host: x\r\n"
	_, err := Parse([]byte(raw))
	assert.Error(t, err)
}

func TestParseRoundTrip(t *testing.T) {
	m := New()
	require.NoError(t, m.Add("Host", "example.test"))
	require.NoError(t, m.Add("Content-Type", "text/plain"))

	serialized := append(m.Bytes(), []byte("\r\n")...)
	parsed, err := Parse(serialized)
	require.NoError(t, err)

	assert.Equal(t, m.Len(), parsed.Len())
	m.Range(func(k, v string) bool {
		pv, ok := parsed.Find(k)
		assert.True(t, ok)
		assert.Equal(t, v, pv)
		return true
	})
}

func TestIdempotentHopByHopRemoval(t *testing.T) {
	blocked := []string{"Connection", "Keep-Alive", "Proxy-Connection"}
	m := New()
	require.NoError(t, m.Add("Connection", "keep-alive"))
	require.NoError(t, m.Add("Keep-Alive", "timeout=5"))
	require.NoError(t, m.Add("Proxy-Connection", "keep-alive"))
	require.NoError(t, m.Add("Host", "x"))

	for _, k := range blocked {
		m.Remove(k)
	}

	serialized := append(m.Bytes(), []byte("\r\n")...)
	parsed, err := Parse(serialized)
	require.NoError(t, err)

	for _, k := range blocked {
		_, ok := parsed.Find(k)
		assert.False(t, ok)
	}
}
