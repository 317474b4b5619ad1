package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizharvest/bizharvest/internal/engine"
)

const directoryPageHTML = `<html><body>
<div role="feed">
  <div class="Nv2PK">
    <a class="hfpxzc" aria-label="Nhà Hàng Hoa Sen"
       href="https://maps.example.com/place/hoa-sen/@10.77,106.70,17z/data=!3d10.7769!4d106.7009"></a>
    <span class="ZkP5Je" role="img" aria-label="4,9 sao 31 bài đánh giá"></span>
    <div class="W4Efsd">Nhà hàng · 12 Lê Lợi, Quận 1, TP.HCM</div>
    <div class="W4Efsd">Mở cửa · 028 3823 9999</div>
  </div>
  <div class="Nv2PK">
    <div class="jHLihd">Được tài trợ</div>
    <a class="hfpxzc" aria-label="Quán Quảng Cáo" href="https://maps.example.com/place/ads"></a>
  </div>
  <div class="Nv2PK">
    <a class="hfpxzc" aria-label="Cafe Sách"
       href="https://maps.example.com/place/cafe-sach/@10.78,106.69,17z"></a>
  </div>
</div>
</body></html>`

func directoryRequest() engine.RunRequest {
	return engine.RunRequest{
		Source:     engine.SourceDirectory,
		Keyword:    "nhà hàng",
		Location:   "quận 1",
		MaxResults: 10,
	}
}

func newTestDirectory() *Directory {
	return NewDirectory(Config{
		DirectoryBaseURL: "https://maps.example.com",
		ScrollPasses:     3,
		MaxStablePages:   2,
	}, zap.NewNop())
}

func TestDirectoryPageTarget(t *testing.T) {
	d := newTestDirectory()

	t.Run("first page has no scroll", func(t *testing.T) {
		target, err := d.PageTarget(directoryRequest(), nil)
		require.NoError(t, err)
		require.Contains(t, target.URL, "https://maps.example.com/maps/search/")
		require.Equal(t, `div[role="feed"]`, target.WaitSelector)
		require.Zero(t, target.ScrollPasses)
	})

	t.Run("cursor carries scroll depth", func(t *testing.T) {
		target, err := d.PageTarget(directoryRequest(), &directoryCursor{scrollPasses: 6})
		require.NoError(t, err)
		require.Equal(t, 6, target.ScrollPasses)
	})
}

func TestDirectoryExtract(t *testing.T) {
	d := newTestDirectory()
	page := engine.PageContent{URL: "https://maps.example.com/maps/search/x", Body: []byte(directoryPageHTML)}

	extraction, err := d.Extract(context.Background(), page, engine.ExtractContext{
		Request: directoryRequest(), Remaining: 10,
	})
	require.NoError(t, err)
	require.Len(t, extraction.Candidates, 2, "sponsored card must be skipped")

	first := extraction.Candidates[0]
	require.Equal(t, "Nhà Hàng Hoa Sen", first.Get(engine.FieldName))
	require.Equal(t, "10.7769", first.Get(engine.FieldLatitude))
	require.Equal(t, "106.7009", first.Get(engine.FieldLongitude))
	require.Equal(t, "4,9", first.Get(engine.FieldRating))
	require.Equal(t, "31", first.Get(engine.FieldReviewsCount))
	require.Equal(t, "Nhà hàng", first.Get(engine.FieldCategory))
	require.Equal(t, "12 Lê Lợi, Quận 1, TP.HCM", first.Get(engine.FieldAddress))
	require.Equal(t, "028 3823 9999", first.Get(engine.FieldPhone))

	second := extraction.Candidates[1]
	require.Equal(t, "Cafe Sách", second.Get(engine.FieldName))
	require.Equal(t, "10.78", second.Get(engine.FieldLatitude), "viewport coordinates are the fallback")

	require.True(t, extraction.Pagination.HasMore)
	next, ok := extraction.Pagination.NextCursor.(*directoryCursor)
	require.True(t, ok)
	require.Equal(t, 3, next.scrollPasses)
	require.Zero(t, next.stablePages)
}

func TestDirectoryStopsAfterStablePages(t *testing.T) {
	d := newTestDirectory()
	page := engine.PageContent{URL: "u", Body: []byte(directoryPageHTML)}
	req := directoryRequest()

	extraction, err := d.Extract(context.Background(), page, engine.ExtractContext{Request: req, Remaining: 10})
	require.NoError(t, err)
	cursor := extraction.Pagination.NextCursor

	// Same feed again: nothing new, but one stable page is tolerated.
	extraction, err = d.Extract(context.Background(), page, engine.ExtractContext{Request: req, Cursor: cursor, PageIndex: 1, Remaining: 8})
	require.NoError(t, err)
	require.Empty(t, extraction.Candidates)
	require.True(t, extraction.Pagination.HasMore)

	// Second stable page exhausts the source.
	extraction, err = d.Extract(context.Background(), page, engine.ExtractContext{Request: req, Cursor: extraction.Pagination.NextCursor, PageIndex: 2, Remaining: 8})
	require.NoError(t, err)
	require.False(t, extraction.Pagination.HasMore)
}

func TestDirectoryUnrecognizedPage(t *testing.T) {
	d := newTestDirectory()
	page := engine.PageContent{URL: "u", Body: []byte(`<html><body><p>consent wall</p></body></html>`)}

	_, err := d.Extract(context.Background(), page, engine.ExtractContext{Request: directoryRequest(), Remaining: 10})
	require.ErrorIs(t, err, engine.ErrUnrecognizedPage)
}
