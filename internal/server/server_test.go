package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-capture/internal/category"
	"github.com/zombor/receipt-capture/internal/expense"
	"github.com/zombor/receipt-capture/internal/extract"
	"github.com/zombor/receipt-capture/internal/pipeline"
	"github.com/zombor/receipt-capture/internal/scanning"
	"github.com/zombor/receipt-capture/internal/upload"
)

var _ = Describe("Server", func() {
	var (
		uploader    *fakeUploader
		ocr         *fakeOCR
		committer   *fakeCommitter
		db          *mockDB
		images      *mockImages
		sessions    *Sessions
		auth        BasicAuth
		maxSize     int64
		server      *Server
		ghttpServer *ghttp.Server
	)

	jpeg := formFile{field: "file", filename: "latte.jpg", contentType: "image/jpeg", data: []byte("jpeg-bytes")}

	BeforeEach(func() {
		uploader = &fakeUploader{}
		ocr = &fakeOCR{text: starbucksText}
		committer = &fakeCommitter{}
		db = newMockDB()
		images = newMockImages()
		auth = BasicAuth{}
		maxSize = 1024
	})

	JustBeforeEach(func() {
		now := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
		categories := category.Default()
		sessions = NewSessions(func(id string) *pipeline.Pipeline {
			return pipeline.New(pipeline.Deps{
				ID:         id,
				MaxSize:    maxSize,
				Uploader:   uploader,
				OCR:        ocr,
				Extractor:  extract.NewWithClock(categories, now),
				Committer:  committer,
				Categories: categories,
				Currency:   "USD",
				Now:        now,
			})
		}, nil)
		server = NewServerWithMux(Deps{
			Sessions:      sessions,
			Expenses:      db,
			Images:        images,
			Categories:    categories,
			MaxUploadSize: maxSize,
		}, auth, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	post := func(files []formFile, fields map[string]string) (*http.Response, []byte) {
		body, contentType := multipartBody(files, fields)
		return do(http.MethodPost, ghttpServer.URL()+"/api/sessions?wait=true", body, contentType)
	}

	startReview := func() pipeline.Snapshot {
		resp, body := post([]formFile{jpeg}, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var snap pipeline.Snapshot
		Expect(json.Unmarshal(body, &snap)).To(Succeed())
		return snap
	}

	errorOf := func(body []byte) string {
		var e map[string]string
		Expect(json.Unmarshal(body, &e)).To(Succeed())
		return e["error"]
	}

	Describe("GET /healthz", func() {
		It("should report ok", func() {
			resp, body := do(http.MethodGet, ghttpServer.URL()+"/healthz", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring(`"status":"ok"`))
		})
	})

	Describe("POST /api/sessions", func() {
		When("the image is valid", func() {
			It("should return the session under review", func() {
				resp, body := post([]formFile{jpeg}, map[string]string{"surface": "camera"})
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var snap pipeline.Snapshot
				Expect(json.Unmarshal(body, &snap)).To(Succeed())
				Expect(resp.Header.Get("Location")).To(Equal("/api/sessions/" + snap.ID))
				Expect(snap.Stage).To(Equal(pipeline.StageReviewing))
				Expect(snap.ReceiptID).To(Equal("rcpt-1"))
				Expect(snap.Draft).NotTo(BeNil())
				Expect(snap.Draft.Merchant).To(Equal("STARBUCKS COFFEE"))
				Expect(snap.Draft.Amount).To(Equal("6.25"))
				Expect(snap.Draft.Date).To(Equal("2024-01-15"))
				Expect(snap.Draft.Category).To(Equal("meals"))
				Expect(snap.Draft.Currency).To(Equal("USD"))
				Expect(snap.CanConfirm).To(BeTrue())
			})

			It("should keep the session", func() {
				startReview()
				Expect(sessions.Len()).To(Equal(1))
			})
		})

		When("the file is not an image", func() {
			It("should reject it without keeping a session", func() {
				resp, body := post([]formFile{{field: "file", filename: "notes.txt", contentType: "text/plain", data: []byte("hi")}}, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusUnsupportedMediaType))
				Expect(errorOf(body)).To(Equal("Please upload a valid image file."))
				Expect(sessions.Len()).To(Equal(0))
				Expect(uploader.uploads).To(Equal(0))
			})
		})

		When("the image exceeds the size limit", func() {
			It("should return Request Entity Too Large", func() {
				big := jpeg
				big.data = bytes.Repeat([]byte("x"), 4096)
				resp, _ := post([]formFile{big}, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
				Expect(sessions.Len()).To(Equal(0))
			})
		})

		When("no file is attached", func() {
			It("should return Bad Request", func() {
				resp, body := post(nil, map[string]string{"surface": "picker"})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorOf(body)).To(ContainSubstring("No file was selected"))
			})
		})

		When("several files are dropped", func() {
			It("should use the first image", func() {
				resp, body := post([]formFile{
					{field: "files", filename: "notes.txt", contentType: "text/plain", data: []byte("a")},
					{field: "files", filename: "first.png", contentType: "image/png", data: []byte("b")},
					{field: "files", filename: "second.png", contentType: "image/png", data: []byte("c")},
				}, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var snap pipeline.Snapshot
				Expect(json.Unmarshal(body, &snap)).To(Succeed())
				Expect(snap.Filename).To(Equal("first.png"))
			})
		})

		When("the upload fails", func() {
			BeforeEach(func() {
				uploader.err = upload.ErrUploadFailed
			})

			It("should return Bad Gateway with a retry message", func() {
				resp, body := post([]formFile{jpeg}, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(errorOf(body)).To(Equal("Upload failed. Please try again."))
				Expect(sessions.Len()).To(Equal(0))
			})
		})

		When("OCR fails", func() {
			BeforeEach(func() {
				ocr.err = scanning.ErrRecognition
			})

			It("should fall back to an empty draft with a warning", func() {
				snap := startReview()
				Expect(snap.Stage).To(Equal(pipeline.StageReviewing))
				Expect(snap.Draft.Merchant).To(BeEmpty())
				Expect(snap.Draft.Amount).To(BeEmpty())
				Expect(snap.Warning).To(ContainSubstring("OCR processing failed"))
				Expect(snap.CanConfirm).To(BeFalse())
			})
		})
	})

	Describe("GET /api/sessions/{id}", func() {
		It("should return the snapshot", func() {
			snap := startReview()
			resp, body := do(http.MethodGet, ghttpServer.URL()+"/api/sessions/"+snap.ID, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring(`"stage":"reviewing"`))
		})

		It("should return Not Found for unknown sessions", func() {
			resp, body := do(http.MethodGet, ghttpServer.URL()+"/api/sessions/nope", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(errorOf(body)).To(Equal("Session not found"))
		})
	})

	Describe("GET /api/sessions/{id}/preview", func() {
		It("should serve the selected image", func() {
			snap := startReview()
			resp, body := do(http.MethodGet, ghttpServer.URL()+"/api/sessions/"+snap.ID+"/preview", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			Expect(body).To(Equal([]byte("jpeg-bytes")))
		})
	})

	Describe("PATCH /api/sessions/{id}", func() {
		var snap pipeline.Snapshot

		JustBeforeEach(func() {
			snap = startReview()
		})

		patch := func(body string) (*http.Response, []byte) {
			return do(http.MethodPatch, ghttpServer.URL()+"/api/sessions/"+snap.ID, strings.NewReader(body), "application/json")
		}

		It("should apply the edits", func() {
			resp, body := patch(`{"fields":{"amount":"$1,204.50","merchant":"Starbucks","category":"business"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var updated pipeline.Snapshot
			Expect(json.Unmarshal(body, &updated)).To(Succeed())
			Expect(updated.Draft.Amount).To(Equal("1204.50"))
			Expect(updated.Draft.Merchant).To(Equal("Starbucks"))
			Expect(updated.Draft.Category).To(Equal("business"))
		})

		It("should reject unknown fields", func() {
			resp, _ := patch(`{"fields":{"tip":"2.00"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject an empty edit", func() {
			resp, _ := patch(`{"fields":{}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject malformed JSON", func() {
			resp, body := patch(`{"fields":`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorOf(body)).To(Equal("Invalid request body"))
		})

		It("should reject invalid values", func() {
			resp, body := patch(`{"fields":{"amount":"abc"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			Expect(errorOf(body)).To(ContainSubstring("not a number"))
		})

		It("should reject an unknown category", func() {
			resp, _ := patch(`{"fields":{"category":"yachts"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})

		It("should leave every field alone when one value is invalid", func() {
			resp, _ := patch(`{"fields":{"merchant":"Starbucks","notes":"team lunch","amount":"1e5"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))

			resp, body := do(http.MethodGet, ghttpServer.URL()+"/api/sessions/"+snap.ID, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var current pipeline.Snapshot
			Expect(json.Unmarshal(body, &current)).To(Succeed())
			Expect(current.Draft.Merchant).To(Equal(snap.Draft.Merchant))
			Expect(current.Draft.Notes).To(Equal(snap.Draft.Notes))
			Expect(current.Draft.Amount).To(Equal(snap.Draft.Amount))
		})
	})

	Describe("POST /api/sessions/{id}/confirm", func() {
		It("should commit the expense", func() {
			snap := startReview()
			resp, body := do(http.MethodPost, ghttpServer.URL()+"/api/sessions/"+snap.ID+"/confirm", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result struct {
				ExpenseID string            `json:"expense_id"`
				Session   pipeline.Snapshot `json:"session"`
			}
			Expect(json.Unmarshal(body, &result)).To(Succeed())
			Expect(result.ExpenseID).To(Equal("exp-1"))
			Expect(result.Session.Stage).To(Equal(pipeline.StageCommitted))
			Expect(committer.payloads).To(HaveLen(1))
			Expect(committer.payloads[0].Merchant).To(Equal("STARBUCKS COFFEE"))
			Expect(committer.payloads[0].Amount.StringFixed(2)).To(Equal("6.25"))
		})

		It("should refuse a draft without an amount", func() {
			snap := startReview()
			resp, _ := do(http.MethodPatch, ghttpServer.URL()+"/api/sessions/"+snap.ID, strings.NewReader(`{"fields":{"amount":""}}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp, body := do(http.MethodPost, ghttpServer.URL()+"/api/sessions/"+snap.ID+"/confirm", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			Expect(errorOf(body)).To(Equal("Please fill in the merchant and amount."))
			Expect(committer.payloads).To(BeEmpty())
		})

		When("the store fails", func() {
			BeforeEach(func() {
				committer.err = errors.New("disk full")
			})

			It("should keep the draft open", func() {
				snap := startReview()
				resp, body := do(http.MethodPost, ghttpServer.URL()+"/api/sessions/"+snap.ID+"/confirm", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(errorOf(body)).To(Equal("The expense could not be saved. Please try again."))

				resp, body = do(http.MethodGet, ghttpServer.URL()+"/api/sessions/"+snap.ID, nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(string(body)).To(ContainSubstring(`"stage":"reviewing"`))
			})
		})

		It("should refuse a second confirm", func() {
			snap := startReview()
			resp, _ := do(http.MethodPost, ghttpServer.URL()+"/api/sessions/"+snap.ID+"/confirm", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp, _ = do(http.MethodPost, ghttpServer.URL()+"/api/sessions/"+snap.ID+"/confirm", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(committer.payloads).To(HaveLen(1))
		})
	})

	Describe("DELETE /api/sessions/{id}", func() {
		It("should cancel and forget the session", func() {
			snap := startReview()
			resp, _ := do(http.MethodDelete, ghttpServer.URL()+"/api/sessions/"+snap.ID, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(uploader.Discarded()).To(ConsistOf("rcpt-1"))
			Expect(sessions.Len()).To(Equal(0))

			resp, _ = do(http.MethodGet, ghttpServer.URL()+"/api/sessions/"+snap.ID, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should not discard the image of a committed receipt", func() {
			snap := startReview()
			do(http.MethodPost, ghttpServer.URL()+"/api/sessions/"+snap.ID+"/confirm", nil, "")
			resp, _ := do(http.MethodDelete, ghttpServer.URL()+"/api/sessions/"+snap.ID, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(uploader.Discarded()).To(BeEmpty())
		})
	})

	Describe("expenses", func() {
		BeforeEach(func() {
			db.expenses["exp-1"] = &expense.Expense{
				ID:          "exp-1",
				Merchant:    "Shell",
				Amount:      4523,
				Currency:    "USD",
				ReceiptID:   "rcpt-1",
				ReceiptKey:  "rcpt-1_shell.jpg",
				ContentType: "image/jpeg",
			}
			images.files["rcpt-1_shell.jpg"] = []byte("shell-jpeg")
		})

		It("should list them", func() {
			resp, body := do(http.MethodGet, ghttpServer.URL()+"/api/expenses", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var list []*expense.Expense
			Expect(json.Unmarshal(body, &list)).To(Succeed())
			Expect(list).To(HaveLen(1))
			Expect(list[0].Amount).To(Equal(int64(4523)))
		})

		It("should return an empty array when there are none", func() {
			delete(db.expenses, "exp-1")
			_, body := do(http.MethodGet, ghttpServer.URL()+"/api/expenses", nil, "")
			Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
		})

		It("should return Internal Server Error when listing fails", func() {
			db.listErr = errors.New("bolt closed")
			resp, body := do(http.MethodGet, ghttpServer.URL()+"/api/expenses", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(errorOf(body)).To(Equal("Internal server error"))
		})

		It("should get one", func() {
			resp, body := do(http.MethodGet, ghttpServer.URL()+"/api/expenses/exp-1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring(`"merchant":"Shell"`))
		})

		It("should return Not Found for unknown ids", func() {
			resp, _ := do(http.MethodGet, ghttpServer.URL()+"/api/expenses/missing", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should serve the receipt image", func() {
			resp, body := do(http.MethodGet, ghttpServer.URL()+"/api/expenses/exp-1/receipt", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			Expect(body).To(Equal([]byte("shell-jpeg")))
		})

		It("should return Not Found when the image is gone", func() {
			delete(images.files, "rcpt-1_shell.jpg")
			resp, _ := do(http.MethodGet, ghttpServer.URL()+"/api/expenses/exp-1/receipt", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should delete the expense and its image", func() {
			resp, _ := do(http.MethodDelete, ghttpServer.URL()+"/api/expenses/exp-1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.expenses).To(BeEmpty())
			Expect(images.discarded).To(ConsistOf("rcpt-1_shell.jpg"))
		})
	})

	Describe("GET /api/categories", func() {
		It("should list the registry", func() {
			resp, body := do(http.MethodGet, ghttpServer.URL()+"/api/categories", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var categories []category.Category
			Expect(json.Unmarshal(body, &categories)).To(Succeed())
			Expect(categories).To(HaveLen(8))
			Expect(categories[0].ID).To(Equal("meals"))
		})
	})

	Describe("GET /api/currencies", func() {
		It("should list the supported currencies", func() {
			_, body := do(http.MethodGet, ghttpServer.URL()+"/api/currencies", nil, "")
			Expect(string(body)).To(ContainSubstring(`"default":"USD"`))
			Expect(string(body)).To(ContainSubstring(`"EUR"`))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp, _ := do(http.MethodOptions, ghttpServer.URL()+"/api/sessions/abc", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PATCH"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
		})

		It("should reject requests without credentials", func() {
			resp, body := do(http.MethodGet, ghttpServer.URL()+"/api/categories", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(errorOf(body)).To(Equal("Unauthorized"))
		})

		It("should reject wrong credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/categories", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:wrong")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/categories", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "pass")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should leave the health check open", func() {
			resp, _ := do(http.MethodGet, ghttpServer.URL()+"/healthz", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
