package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// maxResponseBody caps how much of a response is buffered.
const maxResponseBody = 8 << 20

// ErrResponseTooLarge is returned when a response body exceeds maxResponseBody.
var ErrResponseTooLarge = errors.New("response body too large")

type (
	// Body produces a request payload. Encode is called once per attempt, so
	// a retried call sends the same bytes again.
	Body interface {
		Encode() (io.Reader, string, error)
	}

	jsonBody struct {
		value any
	}

	FormField struct {
		Name  string
		Value string
	}

	FormFile struct {
		Field       string
		Filename    string
		ContentType string
		Data        []byte
	}

	multipartBody struct {
		fields []FormField
		files  []FormFile
	}

	Response struct {
		Status int
		Header http.Header
		Body   []byte
	}
)

func JSONBody(value any) Body {
	return jsonBody{value: value}
}

func (b jsonBody) Encode() (io.Reader, string, error) {
	data, err := json.Marshal(b.value)
	if err != nil {
		return nil, "", fmt.Errorf("can not marshal JSON: %w", err)
	}
	return bytes.NewReader(data), "application/json", nil
}

// MultipartBody writes the files first, then the fields in the given order.
func MultipartBody(fields []FormField, files ...FormFile) Body {
	return multipartBody{fields: fields, files: files}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func (b multipartBody) Encode() (io.Reader, string, error) {
	bodyReader := new(bytes.Buffer)
	writer := multipart.NewWriter(bodyReader)
	for _, file := range b.files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(file.Field), quoteEscaper.Replace(file.Filename)))
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("can not create part %s: %w", file.Field, err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("can not write part %s: %w", file.Field, err)
		}
	}
	for _, field := range b.fields {
		if err := writer.WriteField(field.Name, field.Value); err != nil {
			return nil, "", fmt.Errorf("can not write field %s: %w", field.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return bodyReader, writer.FormDataContentType(), nil
}

// Decode unmarshals a JSON response body.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("can not unmarshal response: %w", err)
	}
	return nil
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// endpoint resolves path against the base URL. Relative paths keep the base
// prefix, absolute paths replace it.
func (c *Client) endpoint(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.baseURL.String() + path
	}
	return c.baseURL.ResolveReference(ref).String()
}

// send performs one attempt. Any status code comes back in the Response. A
// body that can not be encoded or a request that can not be built is reported
// as ErrInvalidInput, anything else is a transport failure.
func (c *Client) send(ctx context.Context, method, path string, body Body, token *oauth2.Token, requestID string) (*Response, error) {
	var reader io.Reader
	contentType := ""
	if body != nil {
		var err error
		reader, contentType, err = body.Encode()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}

	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return nil, fmt.Errorf("%w: error during request prepare: %w", ErrInvalidInput, err)
	}
	request.Header.Set("Accept", "application/json")
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if requestID != "" {
		request.Header.Set("X-Request-ID", requestID)
	}
	if token != nil && token.AccessToken != "" {
		token.SetAuthHeader(request)
	}

	resp, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("error during request sending: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("error during body response: %w", err)
	}
	if len(data) > maxResponseBody {
		return nil, fmt.Errorf("%w: %s %s sent more than %d bytes", ErrResponseTooLarge, method, request.URL.Path, maxResponseBody)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
