package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONParser(t *testing.T) {
	p := JSONParser{}

	rec, err := p.Parse([]byte(`{"external_id":"1","title":"Bare","tags":["a"]}`))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Bare", rec.Title)
	assert.Equal(t, []string{"a"}, rec.Tags)

	rec, err = p.Parse([]byte(`{"item":{"external_id":"2","title":"Wrapped","sale":{"regular_price":"10","sale_price":"8"}}}`))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "2", rec.ExternalID)
	require.NotNil(t, rec.Sale)
	assert.Equal(t, "8", rec.Sale.SalePrice.String())

	rec, err = p.Parse([]byte("  "))
	assert.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = p.Parse([]byte(`{"url":"http://x"}`))
	assert.NoError(t, err)
	assert.Nil(t, rec, "no id and no title means nothing to ingest")

	_, err = p.Parse([]byte(`{broken`))
	assert.Error(t, err)
}
