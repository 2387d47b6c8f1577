package web

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

func getPageNumber(c *gin.Context) int {
	pageNumber, err := strconv.Atoi(c.Query("page"))
	if err != nil || pageNumber < 1 {
		pageNumber = 1
	}
	return pageNumber
}
