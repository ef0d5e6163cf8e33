package httpcmd

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/holger24/AFD-sub010/internal/afderr"
)

// S3Object is one <Contents> record from an S3 ListObjects response.
type S3Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// listObjectsV1Result is the ListBucketResult XML shape for list-type
// unset (ListObjects V1, marker-based).
type listObjectsV1Result struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	IsTruncated bool     `xml:"IsTruncated"`
	NextMarker  string   `xml:"NextMarker"`
	Contents    []struct {
		Key          string `xml:"Key"`
		Size         int64  `xml:"Size"`
		LastModified string `xml:"LastModified"`
	} `xml:"Contents"`
}

// listObjectsV2Result is the ListBucketResult XML shape for list-type=2
// (ListObjectsV2, continuation-token-based).
type listObjectsV2Result struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string `xml:"Key"`
		Size         int64  `xml:"Size"`
		LastModified string `xml:"LastModified"`
	} `xml:"Contents"`
}

// ListObjectsPage lists one page of a prefix, using ListObjects V2 when
// useV2 is set (list-type=2, continuation-token=) or V1 (marker=)
// otherwise. maxKeys is fixed per page; delimiter, if non-empty, is sent
// URL-escaped ("%2F" for "/") so CommonPrefixes collapse one level of
// nesting instead of recursing the whole bucket.
func (c *Client) ListObjectsPage(ctx context.Context, bucketPath, prefix, delimiter, token string, maxKeys int, useV2 bool) ([]S3Object, string, bool, error) {
	q := url.Values{}
	q.Set("prefix", prefix)
	if delimiter != "" {
		q.Set("delimiter", delimiter)
	}
	if maxKeys > 0 {
		q.Set("max-keys", fmt.Sprintf("%d", maxKeys))
	}
	if useV2 {
		q.Set("list-type", "2")
		if token != "" {
			q.Set("continuation-token", token)
		}
	} else if token != "" {
		q.Set("marker", token)
	}
	path := bucketPath + "?" + q.Encode()

	headers := http.Header{}
	if err := c.applyAuth(ctx, headers, "GET", path, nil); err != nil {
		return nil, "", false, err
	}
	resp, err := c.do(ctx, "GET", path, headers, nil)
	if err != nil {
		return nil, "", false, err
	}
	if resp.Status != http.StatusOK {
		return nil, "", false, afderr.HTTPStatus("http.ListObjectsPage", resp.Status, dumpHeader(resp.Header))
	}
	body := c.bodyReader()
	if useV2 {
		var result listObjectsV2Result
		if err := xml.NewDecoder(body).Decode(&result); err != nil {
			return nil, "", false, afderr.New(afderr.KindListError, "http.ListObjectsPage", err)
		}
		objs := make([]S3Object, 0, len(result.Contents))
		for _, c := range result.Contents {
			objs = append(objs, S3Object{Key: c.Key, Size: c.Size, LastModified: parseS3Time(c.LastModified)})
		}
		return objs, result.NextContinuationToken, result.IsTruncated, nil
	}
	var result listObjectsV1Result
	if err := xml.NewDecoder(body).Decode(&result); err != nil {
		return nil, "", false, afderr.New(afderr.KindListError, "http.ListObjectsPage", err)
	}
	objs := make([]S3Object, 0, len(result.Contents))
	for _, c := range result.Contents {
		objs = append(objs, S3Object{Key: c.Key, Size: c.Size, LastModified: parseS3Time(c.LastModified)})
	}
	nextMarker := result.NextMarker
	if nextMarker == "" && result.IsTruncated && len(objs) > 0 {
		nextMarker = objs[len(objs)-1].Key // V1 fallback when the server omits NextMarker
	}
	return objs, nextMarker, result.IsTruncated, nil
}

func parseS3Time(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
